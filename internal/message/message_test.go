package message_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/skyferry/fanetsim/internal/message"
)

func TestKindString(t *testing.T) {
	cases := map[message.Kind]string{
		message.KindHello:      "Hello",
		message.KindDV:         "DV",
		message.KindSessionReq: "SessionReq",
		message.KindSessionAck: "SessionAck",
		message.KindData:       "Data",
		message.Kind(99):       "Kind(99)",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestDVEnvelopeCarriesVector(t *testing.T) {
	env := message.Envelope{
		Kind:     message.KindDV,
		SenderID: 2,
		SendTime: time.Unix(10, 0),
		Payload: message.DV{
			Vector: map[int]int{0: 1, 1: message.HopInf},
		},
	}

	dv, ok := env.Payload.(message.DV)
	if !ok {
		t.Fatalf("expected DV payload, got %T", env.Payload)
	}
	want := map[int]int{0: 1, 1: message.HopInf}
	if diff := cmp.Diff(want, dv.Vector); diff != "" {
		t.Errorf("vector mismatch (-want +got):\n%s", diff)
	}
}

func TestDataMsgPathAppendIsACopy(t *testing.T) {
	d := message.DataMsg{Src: 0, Dst: 3, Path: []int{0, 1}}
	extended := append(append([]int{}, d.Path...), 2)

	if diff := cmp.Diff([]int{0, 1}, d.Path); diff != "" {
		t.Errorf("original path mutated (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, extended); diff != "" {
		t.Errorf("extended path wrong (-want +got):\n%s", diff)
	}
}
