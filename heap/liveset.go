package heap

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// ErrDuplicateAlloc は既に生存中のidに対する再割当てのエラー
var ErrDuplicateAlloc = errors.New("duplicate allocation")

// ErrUnknownObj は未知のidに対する操作のエラー
var ErrUnknownObj = errors.New("unknown object")

// AllocInfo は割当てイベントから引き継ぐオブジェクトの属性
type AllocInfo struct {
	Size   int64
	TypeID int64
	SiteID int64
	Length int64
	Thread int64
	Time   int64 // 割当て時点の論理時刻
}

// LiveSet は生存中と判断しているオブジェクトの集合
// 割当てイベントで登録され、死亡イベントを出した時点で取り除かれる。
type LiveSet struct {
	objects map[int64]AllocInfo
}

// NewLiveSet コンストラクタ
func NewLiveSet() *LiveSet {
	return &LiveSet{objects: make(map[int64]AllocInfo)}
}

// Insert はidを生存集合へ登録する
// 既に生存中の場合は ErrDuplicateAlloc を返し、登録は行わない。
func (s *LiveSet) Insert(id int64, info AllocInfo) error {
	if _, ok := s.objects[id]; ok {
		return errors.Errorf("insert %d: %w", id, ErrDuplicateAlloc)
	}
	s.objects[id] = info
	return nil
}

// Replace は重複割当てを上書きで受け入れる（プロデューサー不整合の許容用）
func (s *LiveSet) Replace(id int64, info AllocInfo) {
	s.objects[id] = info
}

// Remove はidを生存集合から取り除き、割当て情報を返す
func (s *LiveSet) Remove(id int64) (AllocInfo, error) {
	info, ok := s.objects[id]
	if !ok {
		return AllocInfo{}, errors.Errorf("remove %d: %w", id, ErrUnknownObj)
	}
	delete(s.objects, id)
	return info, nil
}

// Contains は生存中かを返す
func (s *LiveSet) Contains(id int64) bool {
	_, ok := s.objects[id]
	return ok
}

// Get は割当て情報の参照
func (s *LiveSet) Get(id int64) (AllocInfo, bool) {
	info, ok := s.objects[id]
	return info, ok
}

// Snapshot は生存中のid一覧を昇順で返す
// 解析内の死亡イベント順を入力のみから再現可能にするため、順序はid昇順で固定。
func (s *LiveSet) Snapshot() []int64 {
	ids := make([]int64, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len は生存数
func (s *LiveSet) Len() int {
	return len(s.objects)
}
