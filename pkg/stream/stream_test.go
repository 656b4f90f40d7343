package stream

import (
	"errors"
	"testing"
)

func TestAddCap(t *testing.T) {
	tests := []struct {
		a, b int64
		want int64
	}{
		{0, 0, 0},
		{1, 2, 3},
		{Unbounded, 1, Unbounded},
		{1, Unbounded, Unbounded},
		{Unbounded - 1, 1, Unbounded},
		{Unbounded - 2, 1, Unbounded - 1},
	}

	for _, tt := range tests {
		if got := AddCap(tt.a, tt.b); got != tt.want {
			t.Errorf("AddCap(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestFormatDemand(t *testing.T) {
	if got := FormatDemand(Unbounded); got != "unbounded" {
		t.Errorf("FormatDemand(Unbounded) = %q", got)
	}
	if got := FormatDemand(3); got != "3" {
		t.Errorf("FormatDemand(3) = %q", got)
	}
}

func TestSignalString(t *testing.T) {
	tests := []struct {
		sig  Signal[string]
		want string
	}{
		{Next("foo"), "onNext(foo)"},
		{Complete[string](), "onComplete()"},
		{Error[string](errors.New("boom")), "onError(boom)"},
		{Subscribed[string](nil), "onSubscribe()"},
	}

	for _, tt := range tests {
		if got := tt.sig.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestSignalTerminal(t *testing.T) {
	if Next(1).Terminal() {
		t.Error("onNext should not be terminal")
	}
	if !Complete[int]().Terminal() {
		t.Error("onComplete should be terminal")
	}
	if !Error[int](errors.New("x")).Terminal() {
		t.Error("onError should be terminal")
	}
}

type recordingSubscriber struct {
	subscribed bool
}

func (r *recordingSubscriber) OnSubscribe(Subscription) { r.subscribed = true }
func (r *recordingSubscriber) OnNext(int)               {}
func (r *recordingSubscriber) OnComplete()              {}
func (r *recordingSubscriber) OnError(error)            {}

func TestPublisherFunc(t *testing.T) {
	var p Publisher[int] = PublisherFunc[int](func(s Subscriber[int]) {
		s.OnSubscribe(nil)
	})

	sub := &recordingSubscriber{}
	p.Subscribe(sub)
	if !sub.subscribed {
		t.Error("expected OnSubscribe to be called")
	}
}
