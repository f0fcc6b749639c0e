package domain

// 容器提示（provider 原样给出，Normalizer 负责归一）。
const (
	ContainerHLS   = "hls"
	ContainerDASH  = "dash"
	ContainerMP4   = "mp4"
	ContainerEmbed = "embed"
)

// StreamSource.Kind 的取值。
const (
	KindFile     = "file"
	KindPlaylist = "playlist"
	KindEmbed    = "embed"
)

const (
	AudioSub = "sub"
	AudioDub = "dub"
)

// SourceOptions 是 Sources 的可选提示。
type SourceOptions struct {
	Server string // 优先尝试的 server 名（不区分大小写）；为空走 provider 默认顺序
	Audio  string // "sub" / "dub"；为空视为 sub
}

// RawSource 是 provider 原生的媒体描述（未归一）。
type RawSource struct {
	URL       string
	Quality   string // 清晰度/标签提示，例如 "1080p"、"default"、"auto"
	Container string // 容器提示：扩展名、content-type 或 ContainerXXX
	Server    string
	DRM       bool
}

// Subtitle 是一条外挂字幕轨。
type Subtitle struct {
	URL      string `json:"url"`
	Language string `json:"language"`
}

// Headers 是播放该来源时必须携带的请求头。
type Headers struct {
	Referer string `json:"referer,omitempty"`
	Origin  string `json:"origin,omitempty"`
}

func (h Headers) IsZero() bool { return h.Referer == "" && h.Origin == "" }

// Marker 是片头/片尾区间（秒）。
type Marker struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// RawSources 是一次 Sources 调用的完整产物。
type RawSources struct {
	Sources   []RawSource
	Subtitles []Subtitle
	Headers   Headers
	Intro     *Marker
	Outro     *Marker
}

// StreamSource 是归一后的播放来源。
//
// 约束：URL 非空，且同一 bundle 内按 URL 唯一。
type StreamSource struct {
	URL                 string `json:"url"`
	Quality             string `json:"quality"`
	IsSegmentedPlaylist bool   `json:"is_segmented_playlist"`
	Kind                string `json:"kind"`
	Server              string `json:"server,omitempty"`
}

// StreamingBundle 是返回给调用方的播放单元。
type StreamingBundle struct {
	Sources     []StreamSource `json:"sources"`
	Recommended int            `json:"recommended"` // Sources 下标；-1 表示无
	Subtitles   []Subtitle     `json:"subtitles"`
	Headers     *Headers       `json:"headers,omitempty"`
	Intro       *Marker        `json:"intro,omitempty"`
	Outro       *Marker        `json:"outro,omitempty"`
}

// EmptyBundle 返回“总失败”时的空 bundle（切片非 nil，保证 JSON 稳定）。
func EmptyBundle() StreamingBundle {
	return StreamingBundle{
		Sources:     []StreamSource{},
		Recommended: -1,
		Subtitles:   []Subtitle{},
	}
}

// Empty 表示没有任何可用来源与字幕（视为总失败）。
func (b StreamingBundle) Empty() bool { return len(b.Sources) == 0 && len(b.Subtitles) == 0 }

// Pick 返回推荐来源。
func (b StreamingBundle) Pick() (StreamSource, bool) {
	if b.Recommended < 0 || b.Recommended >= len(b.Sources) {
		return StreamSource{}, false
	}
	return b.Sources[b.Recommended], true
}
