package tracker

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"heaptrace/trace"

	"github.com/stretchr/testify/assert"
)

// lines は出力バッファを行の列にする
func lines(buf *bytes.Buffer) []string {
	out := strings.TrimRight(buf.String(), "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

func TestOnline_SingleAllocDiesAtExit(t *testing.T) {
	buf := &bytes.Buffer{}
	o := NewOnline(trace.NewWriter(buf), 1, true)

	assert.NoError(t, o.OnMethodEntry(10, 0, 1))
	assert.NoError(t, o.OnAlloc(100, 8, 1, 1, 0, 1))
	assert.NoError(t, o.OnMethodExit(10, 1))
	assert.NoError(t, o.Shutdown())

	assert.Equal(t, []string{
		"M 10 0 1",
		"N 100 8 1 1 0 1",
		"E 10 1",
		"D 100 1",
	}, lines(buf))
}

func TestOnline_StaticRootHoldsChain(t *testing.T) {
	buf := &bytes.Buffer{}
	o := NewOnline(trace.NewWriter(buf), 1, true)

	assert.NoError(t, o.OnMethodEntry(10, 0, 1))
	assert.NoError(t, o.OnAlloc(100, 8, 1, 1, 0, 1))
	assert.NoError(t, o.OnAlloc(101, 8, 1, 2, 0, 1))
	assert.NoError(t, o.OnAlloc(102, 8, 1, 3, 0, 1))
	assert.NoError(t, o.OnPutField(100, 101, 0, 1))
	assert.NoError(t, o.OnPutField(101, 102, 0, 1))
	assert.NoError(t, o.OnPutField(0, 100, 5, 1))
	assert.NoError(t, o.OnMethodExit(10, 1))

	// 静的ルートが鎖の先頭を掴んでいる間は誰も死なない
	assert.NotContains(t, buf.String(), "D ")

	// 静的スロットを0で上書きすると次の解析で鎖全体が落ちる
	assert.NoError(t, o.OnPutField(0, 0, 5, 1))
	assert.NoError(t, o.OnMethodEntry(11, 0, 1))
	assert.NoError(t, o.OnMethodExit(11, 1))

	got := lines(buf)
	assert.Equal(t, []string{"D 100 1", "D 101 1", "D 102 1"}, got[len(got)-3:])
}

func TestOnline_StaticOverwriteReleases(t *testing.T) {
	buf := &bytes.Buffer{}
	o := NewOnline(trace.NewWriter(buf), 1, true)

	assert.NoError(t, o.OnMethodEntry(10, 0, 1))
	assert.NoError(t, o.OnAlloc(100, 8, 1, 1, 0, 1))
	assert.NoError(t, o.OnAlloc(101, 8, 1, 2, 0, 1))
	assert.NoError(t, o.OnPutField(0, 100, 0, 1))
	assert.NoError(t, o.OnPutField(0, 101, 0, 1))
	assert.NoError(t, o.OnMethodExit(10, 1))

	// 上書きで外れた100だけが死に、101は生き残る
	assert.Contains(t, lines(buf), "D 100 1")
	assert.NotContains(t, buf.String(), "D 101")

	assert.NoError(t, o.Shutdown())
	assert.Contains(t, lines(buf), "D 101 1")
}

func TestOnline_MassBalance(t *testing.T) {
	buf := &bytes.Buffer{}
	o := NewOnline(trace.NewWriter(buf), 3, true)

	// 1つのメソッド内でいくつか割当てて、一部だけ繋いでおく
	assert.NoError(t, o.OnMethodEntry(10, 0, 1))
	for id := int64(100); id < 120; id++ {
		assert.NoError(t, o.OnAlloc(id, 8, 1, 1, 0, 1))
	}
	assert.NoError(t, o.OnPutField(100, 101, 0, 1))
	assert.NoError(t, o.OnPutField(0, 100, 0, 1))
	assert.NoError(t, o.OnMethodExit(10, 1))
	assert.NoError(t, o.Shutdown())

	var allocs, deaths int
	for _, line := range lines(buf) {
		switch line[0] {
		case 'N', 'A':
			allocs++
		case 'D':
			deaths++
		}
	}
	// final_drain有効なら割当てと死亡は1対1
	assert.Equal(t, allocs, deaths)
	assert.Equal(t, int64(allocs), o.Stats().Allocs)
	assert.Equal(t, int64(deaths), o.Stats().Deaths)
}

func TestOnline_ArrayAllocRecord(t *testing.T) {
	buf := &bytes.Buffer{}
	o := NewOnline(trace.NewWriter(buf), 100, false)

	assert.NoError(t, o.OnAlloc(200, 64, 2, 3, 16, 1))
	assert.NoError(t, o.Shutdown())
	assert.Equal(t, []string{"A 200 64 2 3 16 1"}, lines(buf))
}

func TestOnline_DuplicateAllocTolerated(t *testing.T) {
	buf := &bytes.Buffer{}
	o := NewOnline(trace.NewWriter(buf), 100, true)

	assert.NoError(t, o.OnAlloc(100, 8, 1, 1, 0, 1))
	assert.NoError(t, o.OnAlloc(100, 16, 1, 1, 0, 2))
	assert.NoError(t, o.Shutdown())

	// 上書きで受け入れ、死亡は1回だけ出る
	got := lines(buf)
	assert.Equal(t, "D 100 2", got[len(got)-1])
}

func TestOnline_ConcurrentCallbacks(t *testing.T) {
	buf := &bytes.Buffer{}
	o := NewOnline(trace.NewWriter(buf), 10, true)

	const threads = 8
	const perThread = 50

	var wg sync.WaitGroup
	for th := int64(1); th <= threads; th++ {
		wg.Add(1)
		go func(th int64) {
			defer wg.Done()
			base := th * 1000
			for i := int64(0); i < perThread; i++ {
				assert.NoError(t, o.OnMethodEntry(10, 0, th))
				assert.NoError(t, o.OnAlloc(base+i, 8, 1, 1, 0, th))
				assert.NoError(t, o.OnMethodExit(10, th))
			}
		}(th)
	}
	wg.Wait()
	assert.NoError(t, o.Shutdown())

	var allocs, deaths int
	for _, line := range lines(buf) {
		switch line[0] {
		case 'N':
			allocs++
		case 'D':
			deaths++
		}
	}
	assert.Equal(t, threads*perThread, allocs)
	assert.Equal(t, allocs, deaths)
}
