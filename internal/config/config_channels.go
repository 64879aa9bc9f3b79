package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	BotFramework BotFrameworkConfig `json:"botframework"`
	DevTools     DevToolsConfig     `json:"devtools"`
	Telegram     TelegramConfig     `json:"telegram"`
	Discord      DiscordConfig      `json:"discord"`
}

// BotFrameworkConfig configures the HTTP webhook transport.
// AppPassword comes from env TURNKIT_BOTFRAMEWORK_APP_PASSWORD only.
type BotFrameworkConfig struct {
	Enabled     bool                `json:"enabled"`
	AppID       string              `json:"app_id"`
	AppPassword string              `json:"-"`
	Path        string              `json:"path,omitempty"` // default "/api/messages"
	AllowFrom   FlexibleStringSlice `json:"allow_from"`
	DMPolicy    string              `json:"dm_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	GroupPolicy string              `json:"group_policy,omitempty"` // "open" (default), "allowlist", "disabled"
	// ServiceURLHosts restricts the serviceUrl hosts replies are posted to.
	// "*.example.com" matches subdomains. Empty accepts any host.
	ServiceURLHosts FlexibleStringSlice `json:"service_url_hosts,omitempty"`
}

// DevToolsConfig configures the local websocket transport.
type DevToolsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // default "/devtools"
}

type TelegramConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	Proxy          string              `json:"proxy,omitempty"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "open" (default), "allowlist", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // require @bot mention in groups (default true)
	LinkPreview    *bool               `json:"link_preview,omitempty"`    // enable URL previews in messages (default true)
}

type DiscordConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "open" (default), "allowlist", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // require @bot mention in guild channels (default true)
}
