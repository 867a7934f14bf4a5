//go:build !no_automation

package automation

// ScriptMeta is the header block at the top of a script file.
type ScriptMeta struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
}

// Script is one automation script in the scripts directory.
type Script struct {
	ID       string     `json:"id"` // filename stem
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}
