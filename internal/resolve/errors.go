package resolve

import "fmt"

// NoSourcesError 表示条目已经确定，但拿不到可播放的来源。
type NoSourcesError struct {
	Provider string
	ID       string // 条目 ID 或剧集 ID
	Episode  int    // 0 表示按剧集 ID 直接取源
	Reason   string
}

func (e *NoSourcesError) Error() string {
	if e.Episode > 0 {
		return fmt.Sprintf("%s：%s 第 %d 集没有可用片源（%s）", e.Provider, e.ID, e.Episode, e.Reason)
	}
	return fmt.Sprintf("%s：%s 没有可用片源（%s）", e.Provider, e.ID, e.Reason)
}
