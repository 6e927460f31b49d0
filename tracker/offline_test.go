package tracker

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"heaptrace/trace"

	"github.com/stretchr/testify/assert"
)

// opener は同じ入力を何度でも読み直せるopen関数を作る
func opener(input string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(input)), nil
	}
}

func TestOffline_WitnessDelaysDeath(t *testing.T) {
	// 100はt=1で割当てられ、どこからも参照されないが、t=5に最終使用がある。
	// t=3の解析では死亡を出してはならず、t=5の解析で初めて出る。
	input := strings.Join([]string{
		"M 10 0 1",        // t=1
		"N 100 8 1 1 0 1", //
		"M 11 0 1",        // t=2
		"E 11 1",          // t=3 解析
		"M 12 0 1",        // t=4
		"E 12 1",          // t=5 解析
		"W 100 1",         // 最終使用 @ t=5
		"E 10 1",          // t=6
	}, "\n") + "\n"

	buf := &bytes.Buffer{}
	o := NewOffline(1, true, true)
	assert.NoError(t, o.Run(opener(input), trace.NewWriter(buf)))

	got := lines(buf)
	deathAt := -1
	exit12At := -1
	exit11At := -1
	for i, line := range got {
		switch line {
		case "D 100 1 5":
			deathAt = i
		case "E 12 1":
			exit12At = i
		case "E 11 1":
			exit11At = i
		}
	}
	assert.NotEqual(t, -1, deathAt, "death must be emitted at t=5")
	assert.Greater(t, deathAt, exit12At, "death belongs to the t=5 analysis")
	assert.Greater(t, exit12At, exit11At)

	// t=3の解析で死亡が出ていないこと
	assert.NotContains(t, buf.String(), "D 100 1 3")
}

func TestOffline_WitnessDisabled(t *testing.T) {
	input := strings.Join([]string{
		"M 10 0 1",
		"N 100 8 1 1 0 1",
		"M 11 0 1",
		"E 11 1",
		"W 100 1",
		"E 10 1",
	}, "\n") + "\n"

	buf := &bytes.Buffer{}
	o := NewOffline(1, false, true)
	assert.NoError(t, o.Run(opener(input), trace.NewWriter(buf)))

	// 証跡を見ないので最初の解析(t=3)で死亡が出る
	assert.Contains(t, lines(buf), "D 100 1 3")
}

func TestOffline_DeathsCarryLogicalTime(t *testing.T) {
	input := strings.Join([]string{
		"M 10 0 1",
		"N 100 8 1 1 0 1",
		"E 10 1",
	}, "\n") + "\n"

	buf := &bytes.Buffer{}
	o := NewOffline(1, true, true)
	assert.NoError(t, o.Run(opener(input), trace.NewWriter(buf)))

	assert.Equal(t, []string{
		"M 10 0 1",
		"N 100 8 1 1 0 1",
		"E 10 1",
		"D 100 1 2",
	}, lines(buf))
}

func TestOffline_MalformedLineSkipped(t *testing.T) {
	input := strings.Join([]string{
		"M 10 0 1",
		"this is not a record",
		"N 100 8 1 1 0 1",
		"E 10 1",
	}, "\n") + "\n"

	buf := &bytes.Buffer{}
	o := NewOffline(1, true, true)
	assert.NoError(t, o.Run(opener(input), trace.NewWriter(buf)))

	// 壊れた行は出力に現れず、残りは処理される
	assert.NotContains(t, buf.String(), "not a record")
	assert.Contains(t, lines(buf), "D 100 1 2")
}

func TestOffline_DuplicateAllocTolerated(t *testing.T) {
	input := strings.Join([]string{
		"M 10 0 1",
		"N 100 8 1 1 0 1",
		"N 100 16 1 1 0 2",
		"E 10 1",
	}, "\n") + "\n"

	buf := &bytes.Buffer{}
	o := NewOffline(1, true, true)
	assert.NoError(t, o.Run(opener(input), trace.NewWriter(buf)))

	// 上書きで受け入れ、死亡は後勝ちの割当てスレッドで1回だけ
	var deaths []string
	for _, line := range lines(buf) {
		if strings.HasPrefix(line, "D ") {
			deaths = append(deaths, line)
		}
	}
	assert.Equal(t, []string{"D 100 2 2"}, deaths)
}

func TestOffline_InputDeathDropped(t *testing.T) {
	input := strings.Join([]string{
		"M 10 0 1",
		"N 100 8 1 1 0 1",
		"D 100 1 1",
		"E 10 1",
	}, "\n") + "\n"

	buf := &bytes.Buffer{}
	o := NewOffline(1, true, true)
	assert.NoError(t, o.Run(opener(input), trace.NewWriter(buf)))

	// 入力に紛れ込んだ死亡は捨て、自前の解析結果だけを出す
	var deaths []string
	for _, line := range lines(buf) {
		if strings.HasPrefix(line, "D ") {
			deaths = append(deaths, line)
		}
	}
	assert.Equal(t, []string{"D 100 1 2"}, deaths)
}

func TestOffline_MassBalance(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("M 1 0 1\n")
	for id := int64(100); id < 150; id++ {
		sb.WriteString((&trace.Record{Tag: trace.TagAlloc, Obj: id, Size: 8, TypeID: 1, SiteID: 1, Thread: 1}).String())
		sb.WriteString("\n")
	}
	sb.WriteString("U 100 101 0 1\nU 0 100 3 1\nE 1 1\n")

	buf := &bytes.Buffer{}
	o := NewOffline(10, true, true)
	assert.NoError(t, o.Run(opener(sb.String()), trace.NewWriter(buf)))

	var allocs, deaths int
	for _, line := range lines(buf) {
		switch line[0] {
		case 'N', 'A':
			allocs++
		case 'D':
			deaths++
		}
	}
	assert.Equal(t, 50, allocs)
	assert.Equal(t, allocs, deaths)
}
