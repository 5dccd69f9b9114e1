package history

// SetAfterFlight installs a hook that runs after a caller receives the
// shared refresh result.
func (c *Cache) SetAfterFlight(fn func()) {
	c.afterFlight = fn
}
