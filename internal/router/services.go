package router

// Token is the caller credential resolved by the transport. Routing never
// inspects it; handlers may use it to call back into the channel.
type Token interface {
	AppID() string
	String() string
}

// StaticToken is a Token with fixed values.
type StaticToken struct {
	App   string
	Value string
}

func (t StaticToken) AppID() string  { return t.App }
func (t StaticToken) String() string { return t.Value }

// Services is a scoped service lookup supplied by the transport.
type Services interface {
	Service(name string) (any, bool)
}

// ServiceMap is a Services backed by a plain map.
type ServiceMap map[string]any

func (m ServiceMap) Service(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// Lookup fetches a service by name and asserts its type.
func Lookup[T any](s Services, name string) (T, bool) {
	var zero T
	if s == nil {
		return zero, false
	}
	v, ok := s.Service(name)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
