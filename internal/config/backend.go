package config

// ConfigBackend is the persistent, user-editable layer under the FIELDSYNC_*
// environment overrides. On macOS it is the com.fieldsync.app defaults
// domain, elsewhere a JSON file under $XDG_CONFIG_HOME/fieldsync.
//
// Getters report ok=false for an unset key; a present key holding a value of
// the wrong type is an error, so a typo in the file fails Load instead of
// silently falling back to the default.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetBool(key string) (val bool, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetBool(key string, val bool) error
	Delete(key string) error
}
