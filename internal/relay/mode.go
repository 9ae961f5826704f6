package relay

import "regexp"

type Mode int

const (
	ModeNone Mode = iota
	ModeMain
	ModeAjax
	ModeRedirect
	ModeAssetPoll
	ModeStaticAsset
)

func (m Mode) String() string {
	switch m {
	case ModeMain:
		return "main"
	case ModeAjax:
		return "ajax"
	case ModeRedirect:
		return "redirect"
	case ModeAssetPoll:
		return "asset_poll"
	case ModeStaticAsset:
		return "static_asset"
	default:
		return "none"
	}
}

// DetectMode applies the fixed priority: asset marker, ajax marker, pending
// redirect, html document. Anything else is deliberately left alone.
func DetectMode(req *Request) Mode {
	if req == nil {
		return ModeNone
	}
	if asset, ok := ParseAsset(req.Asset); ok {
		if asset.Script {
			return ModeStaticAsset
		}
		return ModeAssetPoll
	}
	switch {
	case req.Ajax():
		return ModeAjax
	case req.Redirect:
		return ModeRedirect
	case req.HTML:
		return ModeMain
	}
	return ModeNone
}

var contentAssetPattern = regexp.MustCompile(`^content(-ajax)?\.(\w*)$`)

// Asset is a parsed asset marker: the script bundle, or a content poll for
// a correlation id.
type Asset struct {
	Script bool
	Ajax   bool
	ID     string
}

func ParseAsset(value string) (Asset, bool) {
	if value == "js" {
		return Asset{Script: true}, true
	}
	m := contentAssetPattern.FindStringSubmatch(value)
	if m == nil {
		return Asset{}, false
	}
	return Asset{Ajax: m[1] != "", ID: m[2]}, true
}

func (a Asset) queueID() string {
	if a.Ajax {
		return a.ID + "-ajax"
	}
	return a.ID
}
