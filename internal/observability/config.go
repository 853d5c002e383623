package observability

// Config captures opt-in observability toggles.
type Config struct {
	// Addr serves /metrics when non-empty.
	Addr        string
	EnablePprof bool
}
