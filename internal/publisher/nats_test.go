package publisher

import (
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"routemap/internal/deconflict"
	"routemap/internal/geo"
	"routemap/internal/gtfs"
)

type sent struct {
	subject string
	data    []byte
}

type countingMetrics struct {
	published, errs, observed int
}

func (m *countingMetrics) NATSPublishedInc()              { m.published++ }
func (m *countingMetrics) NATSPublishErrInc()             { m.errs++ }
func (m *countingMetrics) PublishObserve(_ time.Duration) { m.observed++ }
func (m *countingMetrics) NATSSetConnected(bool)          {}

func newTestPublisher(prefix string, m PublisherMetrics, fail error) (*NATSPublisher, *[]sent) {
	var out []sent
	p := newPublisher(prefix, true, m, log.New(io.Discard), func(subject string, data []byte) error {
		if fail != nil {
			return fail
		}
		out = append(out, sent{subject: subject, data: data})
		return nil
	})
	return p, &out
}

func TestSubjectToken(t *testing.T) {
	tests := []struct{ in, want string }{
		{"BART", "BART"},
		{" K Ingleside ", "K_Ingleside"},
		{"a.b>c*d/e", "a_b_c_d_e"},
		{"", "_"},
		{"   ", "_"},
	}
	for _, tt := range tests {
		if got := subjectToken(tt.in); got != tt.want {
			t.Errorf("subjectToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrefixDefaults(t *testing.T) {
	p, _ := newTestPublisher(" .maps. ", nil, nil)
	if got := p.PassSubject(); got != "maps.passes" {
		t.Errorf("PassSubject = %q", got)
	}
	p, _ = newTestPublisher("", nil, nil)
	if got := p.LineSubject("SF Muni", "K.T"); got != "routemap.lines.SF_Muni.K_T" {
		t.Errorf("LineSubject = %q", got)
	}
}

func TestPassSinkPublishes(t *testing.T) {
	m := &countingMetrics{}
	p, out := newTestPublisher("routemap", m, nil)
	sink := p.PassSink("pass-1", 16)

	line := deconflict.Line{
		RouteID: "k", AgencyID: "MUNI", ShortName: "K", Type: gtfs.Metro,
		Color: "#82BEE8", Weight: 4.8, Opacity: 1,
		Points: []geo.Point{{Lat: 37.78, Lon: -122.418}, {Lat: 37.785, Lon: -122.408}},
	}
	if err := sink.DrawLine(line); err != nil {
		t.Fatal(err)
	}
	if err := sink.DrawMarker(deconflict.Marker{RouteID: "k", Label: "K", Size: deconflict.SizeLarge, Point: line.Points[0]}); err != nil {
		t.Fatal(err)
	}
	if err := sink.Finish(deconflict.Stats{Lines: 1}); err != nil {
		t.Fatal(err)
	}

	if len(*out) != 3 {
		t.Fatalf("published %d messages", len(*out))
	}
	wantSubjects := []string{"routemap.lines.MUNI.k", "routemap.markers.k", "routemap.passes"}
	for i, s := range *out {
		if s.subject != wantSubjects[i] {
			t.Errorf("message %d subject = %q, want %q", i, s.subject, wantSubjects[i])
		}
	}

	var lm LineMessage
	if err := json.Unmarshal((*out)[0].data, &lm); err != nil {
		t.Fatal(err)
	}
	if lm.PassID != "pass-1" || lm.Zoom != 16 || lm.RouteType != 1 || len(lm.Points) != 2 || lm.Points[1].Lon != -122.408 {
		t.Errorf("line message = %+v", lm)
	}
	var pm PassMessage
	if err := json.Unmarshal((*out)[2].data, &pm); err != nil {
		t.Fatal(err)
	}
	if pm.PassID != "pass-1" || pm.Lines != 1 {
		t.Errorf("pass message = %+v", pm)
	}
	if m.published != 3 || m.observed != 3 || m.errs != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestPublishErrorCounted(t *testing.T) {
	m := &countingMetrics{}
	boom := errors.New("no responders")
	p, _ := newTestPublisher("routemap", m, boom)
	if err := p.PassSink("x", 12).DrawLine(deconflict.Line{RouteID: "a"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if m.errs != 1 || m.published != 0 {
		t.Errorf("metrics = %+v", m)
	}
}
