package tasks

// SetIDGenerator replaces the id source of r.
func SetIDGenerator(r *Registry, gen func() string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newID = gen
}
