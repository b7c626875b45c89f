package stream

import "fmt"

// Service is the passive side of a core: a queue of connections accepted
// by the engine.
type Service struct {
	core *Core
}

// Accept blocks until an inbound connection completes its handshake.
func (s *Service) Accept() (*Conn, error) {
	select {
	case sc := <-s.core.acceptCh:
		return sc, nil
	case <-s.core.closeSignal:
		return nil, fmt.Errorf("service is closed")
	}
}
