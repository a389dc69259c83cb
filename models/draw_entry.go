package models

// LifecycleState 本地编辑状态
type LifecycleState string

const (
	StateAdded   LifecycleState = "Added"
	StateEdited  LifecycleState = "Edited"
	StateDeleted LifecycleState = "Deleted"
)

// DrawEntry 本地未保存的图斑编辑记录。
// Added 状态不带 Original，Edited/Deleted 始终保留编辑前快照
type DrawEntry struct {
	Key      string         `json:"key"`
	Feature  ZoneFeature    `json:"feature"`
	State    LifecycleState `json:"state"`
	Original *ZoneFeature   `json:"original,omitempty"`
	Revision uint64         `json:"revision"`
}

// Live 删除中的要素不再参与渲染与统计
func (e DrawEntry) Live() bool {
	return e.State != StateDeleted
}

func (e DrawEntry) Clone() DrawEntry {
	c := e
	c.Feature = e.Feature.Clone()
	if e.Original != nil {
		o := e.Original.Clone()
		c.Original = &o
	}
	return c
}
