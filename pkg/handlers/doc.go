// Package handlers provides the run handlers a session can be configured with.
//
// Every handler creates one message step per user message and streams its
// reply into it through runner.Produce, so a slow upstream never holds the
// step tree. Interrupts cancel the stream; the run's finalization settles
// whatever was left open.
//
//	h, err := handlers.New(cfg.Handler, logger)
//	reg, err := session.NewRegistry(session.Config{Handler: h, HandlerName: cfg.Handler.Name})
package handlers
