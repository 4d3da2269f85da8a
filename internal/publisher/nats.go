package publisher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"

	"routemap/internal/deconflict"
)

type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
	logger      *log.Logger
	send        func(subject string, data []byte) error
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics, logger *log.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = log.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("routemap"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	p := newPublisher(prefix, logSubjects, m, logger, nc.Publish)
	p.nc = nc
	return p, nil
}

func newPublisher(prefix string, logSubjects bool, m PublisherMetrics, logger *log.Logger, send func(string, []byte) error) *NATSPublisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "routemap"
	}
	return &NATSPublisher{prefix: prefix, logSubjects: logSubjects, metrics: m, logger: logger, send: send}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// LineMessage is one displaced route of a pass.
type LineMessage struct {
	PassID    string     `json:"passId"`
	Zoom      int        `json:"zoom"`
	RouteID   string     `json:"routeId"`
	AgencyID  string     `json:"agencyId"`
	ShortName string     `json:"shortName"`
	LongName  string     `json:"longName"`
	RouteType int        `json:"routeType"`
	Color     string     `json:"color"`
	Weight    float64    `json:"weight"`
	Opacity   float64    `json:"opacity"`
	Hint      string     `json:"hint,omitempty"`
	Points    []Position `json:"points"`
	Timestamp time.Time  `json:"timestamp"`
}

// MarkerMessage labels the start of a published line.
type MarkerMessage struct {
	PassID    string    `json:"passId"`
	RouteID   string    `json:"routeId"`
	Label     string    `json:"label"`
	Size      string    `json:"size"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
}

// PassMessage closes a pass. Subscribers can drop lines of older passes
// once they see it.
type PassMessage struct {
	PassID     string    `json:"passId"`
	Zoom       int       `json:"zoom"`
	Lines      int       `json:"lines"`
	Skipped    int       `json:"skipped"`
	Collisions int       `json:"collisions"`
	Timestamp  time.Time `json:"timestamp"`
}

func lineMessage(passID string, zoom int, l deconflict.Line) LineMessage {
	pts := make([]Position, len(l.Points))
	for i, pt := range l.Points {
		pts[i] = Position{Lat: pt.Lat, Lon: pt.Lon}
	}
	return LineMessage{
		PassID:    passID,
		Zoom:      zoom,
		RouteID:   l.RouteID,
		AgencyID:  l.AgencyID,
		ShortName: l.ShortName,
		LongName:  l.LongName,
		RouteType: int(l.Type),
		Color:     l.Color,
		Weight:    l.Weight,
		Opacity:   l.Opacity,
		Hint:      l.Hint,
		Points:    pts,
		Timestamp: time.Now().UTC(),
	}
}

func (p *NATSPublisher) LineSubject(agencyID, routeID string) string {
	return fmt.Sprintf("%s.lines.%s.%s", p.prefix, subjectToken(agencyID), subjectToken(routeID))
}

func (p *NATSPublisher) MarkerSubject(routeID string) string {
	return fmt.Sprintf("%s.markers.%s", p.prefix, subjectToken(routeID))
}

func (p *NATSPublisher) PassSubject() string { return p.prefix + ".passes" }

func (p *NATSPublisher) PublishLine(msg LineMessage) error {
	return p.publish(p.LineSubject(msg.AgencyID, msg.RouteID), msg)
}

func (p *NATSPublisher) PublishMarker(msg MarkerMessage) error {
	return p.publish(p.MarkerSubject(msg.RouteID), msg)
}

func (p *NATSPublisher) PublishPass(msg PassMessage) error {
	return p.publish(p.PassSubject(), msg)
}

func (p *NATSPublisher) publish(subject string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		p.logger.Debug("nats publish", "subject", subject)
	}
	start := time.Now()
	err = p.send(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// PassSink publishes the output of one render pass.
func (p *NATSPublisher) PassSink(passID string, zoom int) *PassSink {
	return &PassSink{pub: p, passID: passID, zoom: zoom}
}

type PassSink struct {
	pub    *NATSPublisher
	passID string
	zoom   int
}

func (s *PassSink) DrawLine(l deconflict.Line) error {
	return s.pub.PublishLine(lineMessage(s.passID, s.zoom, l))
}

func (s *PassSink) DrawMarker(m deconflict.Marker) error {
	return s.pub.PublishMarker(MarkerMessage{
		PassID:    s.passID,
		RouteID:   m.RouteID,
		Label:     m.Label,
		Size:      string(m.Size),
		Lat:       m.Point.Lat,
		Lon:       m.Point.Lon,
		Timestamp: time.Now().UTC(),
	})
}

func (s *PassSink) Finish(st deconflict.Stats) error {
	return s.pub.PublishPass(PassMessage{
		PassID:     s.passID,
		Zoom:       s.zoom,
		Lines:      st.Lines,
		Skipped:    st.Skipped,
		Collisions: st.Collisions,
		Timestamp:  time.Now().UTC(),
	})
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
