package logging

import (
	"testing"
	"time"
)

func TestEventBufferWrap(t *testing.T) {
	eb := NewEventBuffer(3)
	for i := 1; i <= 5; i++ {
		eb.Record(EventRecord{Action: ActionDeny, Port: i})
	}
	got := eb.Latest(10)
	if len(got) != 3 {
		t.Fatalf("len(Latest) = %d, want 3", len(got))
	}
	for i, want := range []int{5, 4, 3} {
		if got[i].Port != want {
			t.Errorf("Latest[%d].Port = %d, want %d", i, got[i].Port, want)
		}
	}
	if eb.Total() != 5 {
		t.Errorf("Total = %d, want 5", eb.Total())
	}
}

func TestEventBufferFilter(t *testing.T) {
	eb := NewEventBuffer(16)
	eb.Record(EventRecord{Action: ActionDeny, SwitchID: 1, VID: 10})
	eb.Record(EventRecord{Action: ActionPermit, SwitchID: 1, VID: 10})
	eb.Record(EventRecord{Action: ActionDeny, SwitchID: 2, VID: 20})

	tests := []struct {
		name string
		f    EventFilter
		want int
	}{
		{"any", EventFilter{}, 3},
		{"deny", EventFilter{Action: ActionDeny}, 2},
		{"switch 2", EventFilter{SwitchID: 2}, 1},
		{"vlan 10 permit", EventFilter{Action: ActionPermit, VID: 10}, 1},
		{"no match", EventFilter{VID: 30}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(eb.LatestFiltered(10, tt.f)); got != tt.want {
				t.Errorf("LatestFiltered = %d records, want %d", got, tt.want)
			}
		})
	}
}

func TestEventBufferSubscribe(t *testing.T) {
	eb := NewEventBuffer(4)
	sub := eb.Subscribe(1)
	defer sub.Close()

	eb.Record(EventRecord{Action: ActionPermit, Port: 7})
	eb.Record(EventRecord{Action: ActionPermit, Port: 8}) // dropped, subscriber full

	select {
	case rec := <-sub.C:
		if rec.Port != 7 {
			t.Errorf("Port = %d, want 7", rec.Port)
		}
		if rec.Time.IsZero() {
			t.Error("Record should stamp a time")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case rec := <-sub.C:
		t.Fatalf("unexpected extra event %+v", rec)
	default:
	}
}
