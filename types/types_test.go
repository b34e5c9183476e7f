package types

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestStatusTransitions(t *testing.T) {
	c := qt.New(t)

	// Forward edges of the DAG.
	c.Assert(StatusPending.CanTransition(StatusValidating), qt.IsTrue)
	c.Assert(StatusValidating.CanTransition(StatusSigned), qt.IsTrue)
	c.Assert(StatusValidating.CanTransition(StatusFailed), qt.IsTrue)
	c.Assert(StatusSigned.CanTransition(StatusBroadcasting), qt.IsTrue)
	c.Assert(StatusBroadcasting.CanTransition(StatusSent), qt.IsTrue)
	c.Assert(StatusSent.CanTransition(StatusConfirmed), qt.IsTrue)

	// No skipping or going back.
	c.Assert(StatusPending.CanTransition(StatusSigned), qt.IsFalse)
	c.Assert(StatusSigned.CanTransition(StatusValidating), qt.IsFalse)
	c.Assert(StatusSent.CanTransition(StatusBroadcasting), qt.IsFalse)
	c.Assert(StatusPending.CanTransition(StatusFailed), qt.IsFalse)

	// Terminal states absorb.
	c.Assert(StatusConfirmed.Terminal(), qt.IsTrue)
	c.Assert(StatusFailed.Terminal(), qt.IsTrue)
	for _, next := range []Status{StatusPending, StatusValidating, StatusSigned,
		StatusBroadcasting, StatusSent, StatusConfirmed, StatusFailed} {
		c.Assert(StatusConfirmed.CanTransition(next), qt.IsFalse)
		c.Assert(StatusFailed.CanTransition(next), qt.IsFalse)
	}
}

// TestStatusRandomWalks checks that any sequence of valid transitions stays
// on a path of the DAG and always ends in a terminal state.
func TestStatusRandomWalks(t *testing.T) {
	c := qt.New(t)
	rnd := rand.New(rand.NewSource(42))

	all := []Status{StatusPending, StatusValidating, StatusSigned,
		StatusBroadcasting, StatusSent, StatusConfirmed, StatusFailed}

	for i := 0; i < 1000; i++ {
		current := StatusPending
		steps := 0
		for !current.Terminal() {
			// Pick any random status; only valid edges may be taken.
			next := all[rnd.Intn(len(all))]
			if !current.CanTransition(next) {
				steps++
				if steps > 100 {
					// Force progress along a known edge.
					next = statusNext[current][rnd.Intn(len(statusNext[current]))]
				} else {
					continue
				}
			}
			c.Assert(current.CanTransition(next), qt.IsTrue,
				qt.Commentf("%s -> %s", current, next))
			current = next
		}
		c.Assert(current.Terminal(), qt.IsTrue)
	}
}

func TestErrorKinds(t *testing.T) {
	c := qt.New(t)

	c.Assert(KindNetwork.Retryable(), qt.IsTrue)
	c.Assert(KindUnknown.Retryable(), qt.IsTrue)
	c.Assert(KindValidation.Retryable(), qt.IsFalse)
	c.Assert(KindBusiness.Retryable(), qt.IsFalse)
	c.Assert(KindBlockchain.Retryable(), qt.IsFalse)

	base := fmt.Errorf("connection refused")
	tagged := WrapError(KindNetwork, base)
	c.Assert(KindOf(tagged), qt.Equals, KindNetwork)
	c.Assert(errors.Is(tagged, base), qt.IsTrue)

	// Untagged errors default to UNKNOWN.
	c.Assert(KindOf(fmt.Errorf("boom")), qt.Equals, KindUnknown)
	c.Assert(WrapError(KindNetwork, nil), qt.IsNil)

	wrapped := fmt.Errorf("outer: %w", Errorf(KindValidation, "bad address"))
	c.Assert(KindOf(wrapped), qt.Equals, KindValidation)
}

func TestMessageBodyRoundTrip(t *testing.T) {
	c := qt.New(t)

	payload := TxRequestPayload{
		RequestID: "0198f8a2-0000-7000-8000-000000000001",
		Amount:    "12.5",
		Chain:     ChainPolygon,
		Network:   NetworkMainnet,
	}
	body, err := EncodeBody(payload)
	c.Assert(err, qt.IsNil)

	var decoded TxRequestPayload
	c.Assert(DecodeBody(body, &decoded), qt.IsNil)
	c.Assert(decoded.RequestID, qt.Equals, payload.RequestID)
	c.Assert(decoded.Amount, qt.Equals, payload.Amount)
	c.Assert(decoded.Chain, qt.Equals, ChainPolygon)
}
