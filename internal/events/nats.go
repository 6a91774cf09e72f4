package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"

	"stageline/internal/domain"
)

type publisher interface {
	Publish(subj string, data []byte) error
}

// NATSSink publishes each event to "<prefix>.<tenant>.<type>".
type NATSSink struct {
	pub    publisher
	prefix string
	filter eventFilter
}

func NewNATSSink(pub publisher, prefix string, events []string) *NATSSink {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "stageline.events"
	}
	return &NATSSink{pub: pub, prefix: prefix, filter: newEventFilter(events)}
}

// ConnectNATS dials the server with a named connection that keeps reconnecting.
func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url, nats.Name("stageline"), nats.MaxReconnects(-1))
}

func (s *NATSSink) Name() string { return "nats:" + s.prefix }

func (s *NATSSink) Accepts(evtType string) bool { return s.filter.match(evtType) }

func (s *NATSSink) Subject(evt domain.Event) string {
	tenant := evt.TenantID
	if tenant == "" {
		tenant = "_"
	}
	return s.prefix + "." + subjectToken(tenant) + "." + evt.Type
}

func (s *NATSSink) Deliver(_ context.Context, evt domain.Event) error {
	data, err := json.Marshal(NewEnvelope(evt))
	if err != nil {
		return err
	}
	return s.pub.Publish(s.Subject(evt), data)
}

// subjectToken strips characters NATS treats as separators or wildcards.
func subjectToken(v string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, v)
}
