package transformer

import (
	"context"
	"errors"
	"fmt"
)

// ExchangeKindDirect is the exchange type used for batch exchanges.
const ExchangeKindDirect = "direct"

// Topology is the transient broker layout used while publishing one batch:
// the profile queue bound to an exchange named after the blob, with the blob
// id as binding key. Scoping the exchange and key to the blob keeps
// concurrent batches for the same profile from crossing bindings.
type Topology struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// NewTopology returns the topology for a batch.
func NewTopology(profile, blobID string) Topology {
	return Topology{
		Queue:      profile,
		Exchange:   blobID,
		RoutingKey: blobID,
	}
}

// Provision declares the durable profile queue and the auto-deleting direct
// exchange, then binds them. Partially created topology is left to the broker
// to clean up when the channel closes.
func Provision(ctx context.Context, ch Channel, t Topology) error {
	if ch == nil {
		return errors.New("transformer: channel is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ch.AssertQueue(t.Queue, true); err != nil {
		return fmt.Errorf("transformer: assert queue %q: %w", t.Queue, err)
	}
	if err := ch.AssertExchange(t.Exchange, ExchangeKindDirect, true); err != nil {
		return fmt.Errorf("transformer: assert exchange %q: %w", t.Exchange, err)
	}
	if err := ch.BindQueue(t.Queue, t.Exchange, t.RoutingKey); err != nil {
		return fmt.Errorf("transformer: bind queue %q to %q: %w", t.Queue, t.Exchange, err)
	}
	return nil
}

// Teardown releases the batch's broker resources: it unbinds the queue when
// unbind is set, then closes the channel and the connection. Every step is
// attempted even if an earlier one fails; the failures are joined.
func Teardown(ch Channel, conn Connection, t Topology, unbind bool) error {
	var errs []error
	if ch != nil {
		if unbind {
			if err := ch.UnbindQueue(t.Queue, t.Exchange, t.RoutingKey); err != nil {
				errs = append(errs, fmt.Errorf("transformer: unbind queue %q from %q: %w", t.Queue, t.Exchange, err))
			}
		}
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transformer: close channel: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transformer: close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
