package main

import "log/slog"

type closer struct {
	name string
	fn   func() error
}

// closerStack closes resources in reverse order of registration. closeAll is
// safe to call more than once.
type closerStack struct {
	items []closer
}

func (s *closerStack) push(name string, fn func() error) {
	s.items = append(s.items, closer{name: name, fn: fn})
}

func (s *closerStack) closeAll(log *slog.Logger) {
	for i := len(s.items) - 1; i >= 0; i-- {
		c := s.items[i]
		if err := c.fn(); err != nil {
			log.Warn("close", "resource", c.name, "err", err)
		}
	}
	s.items = nil
}
