package capture

import (
	"sync"

	"github.com/mafredri/cdp/protocol/page"
)

// FrameIndex 页面帧树索引，用于判断请求是否来自 iframe
//
// 只维护 frameID -> parentFrameID 的映射：有父帧即 iframe。
// 事件乱序到达时以最后一次写入为准。
type FrameIndex struct {
	mu     sync.RWMutex
	root   page.FrameID
	parent map[page.FrameID]page.FrameID
}

// NewFrameIndex 创建空索引
func NewFrameIndex() *FrameIndex {
	return &FrameIndex{parent: make(map[page.FrameID]page.FrameID)}
}

// Seed 用一棵完整帧树重建索引，通常在附着页面后调用一次
func (f *FrameIndex) Seed(tree page.FrameTree) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parent = make(map[page.FrameID]page.FrameID)
	f.root = tree.Frame.ID
	f.seedLocked(tree)
}

func (f *FrameIndex) seedLocked(tree page.FrameTree) {
	for _, child := range tree.ChildFrames {
		f.parent[child.Frame.ID] = tree.Frame.ID
		f.seedLocked(child)
	}
}

// Attach 记录一次帧挂载
func (f *FrameIndex) Attach(frameID, parentID page.FrameID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parent[frameID] = parentID
}

// Detach 移除一个帧
func (f *FrameIndex) Detach(frameID page.FrameID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.parent, frameID)
}

// IsIframe 帧是否存在父帧
//
// 未知帧按主帧处理：宁可漏标 iframe，也不给主文档错打标记。
func (f *FrameIndex) IsIframe(frameID page.FrameID) bool {
	if frameID == "" {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.parent[frameID]
	return ok
}
