package reconcile

// DedupWindow 一次运行会话内已接受的事件 id。终态或 Reset 时清空。
type DedupWindow struct {
	ids map[string]struct{}
}

// NewDedupWindow 创建空窗口。
func NewDedupWindow() *DedupWindow {
	return &DedupWindow{ids: make(map[string]struct{})}
}

// Seen 报告 id 是否已记录。空 id 永远未见过。
func (w *DedupWindow) Seen(id string) bool {
	if id == "" {
		return false
	}
	_, ok := w.ids[id]
	return ok
}

// Record 记录 id; 已存在时返回 false。
func (w *DedupWindow) Record(id string) bool {
	if id == "" {
		return true
	}
	if _, ok := w.ids[id]; ok {
		return false
	}
	w.ids[id] = struct{}{}
	return true
}

// Len 已记录数量。
func (w *DedupWindow) Len() int { return len(w.ids) }

// Clear 清空。
func (w *DedupWindow) Clear() { clear(w.ids) }
