package scope

import (
	"log/slog"

	"livestate/pkg/observe"
)

// Option is a functional option for configuring a Resolver.
type Option interface {
	apply(*Resolver)
}

type optionFunc func(*Resolver)

func (f optionFunc) apply(r *Resolver) {
	f(r)
}

// WithAuth sets the provider consulted for authorization and for the user id
// of USER-scoped types when the request context carries none.
func WithAuth(auth AuthProvider) Option {
	return optionFunc(func(r *Resolver) {
		r.auth = auth
	})
}

// WithLogger sets the logger for registration and persistence diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	})
}

// WithObserver sets the observer notified of every resolution.
func WithObserver(obs observe.Observer) Option {
	return optionFunc(func(r *Resolver) {
		r.observer = observe.OrNoOp(obs)
	})
}
