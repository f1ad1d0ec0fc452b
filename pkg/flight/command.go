package flight

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/expr"
	"github.com/ajitpratap0/meridian/pkg/plan"
)

// Command is the JSON body of a CMD descriptor: a scan of one dataset with
// optional filter, order, projection and limit, applied in that order.
type Command struct {
	Dataset string       `json:"dataset"`
	Columns []string     `json:"columns,omitempty"`
	Filter  *expr.Filter `json:"filter,omitempty"`
	Sort    []SortKey    `json:"sort,omitempty"`
	Limit   int64        `json:"limit,omitempty"`
}

// SortKey orders a command's rows by one column.
type SortKey struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// Plan builds the logical plan of c against cat.
func (c Command) Plan(cat plan.Catalog) (plan.Node, error) {
	b := plan.Table(cat, c.Dataset)
	if c.Filter != nil && c.Filter.Expr != nil {
		b = b.Filter(c.Filter.Expr)
	}
	if len(c.Sort) > 0 {
		keys := make([]expr.SortKey, len(c.Sort))
		for i, k := range c.Sort {
			keys[i] = expr.SortKey{Expr: expr.Column{Name: k.Column}, Desc: k.Desc}
		}
		b = b.Sort(keys...)
	}
	if len(c.Columns) > 0 {
		cols := make([]expr.Expr, len(c.Columns))
		for i, name := range c.Columns {
			cols[i] = expr.Column{Name: name}
		}
		b = b.Project(cols...)
	}
	if c.Limit != 0 {
		b = b.Limit(c.Limit)
	}
	return b.Build()
}

// bare reports whether c reads a dataset unchanged.
func (c Command) bare() bool {
	return len(c.Columns) == 0 && (c.Filter == nil || c.Filter.Expr == nil) && len(c.Sort) == 0 && c.Limit == 0
}

// PathDescriptor names a dataset.
func PathDescriptor(dataset string) *flight.FlightDescriptor {
	return &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{dataset}}
}

// CommandDescriptor encodes c as a CMD descriptor.
func CommandDescriptor(c Command) (*flight.FlightDescriptor, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode command")
	}
	return &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: body}, nil
}

// parseDescriptor reads the command a descriptor carries. Path segments
// are joined with dots.
func parseDescriptor(d *flight.FlightDescriptor) (Command, error) {
	if d == nil {
		return Command{}, errors.New(errors.ErrorTypeValidation, "missing flight descriptor")
	}
	var c Command
	switch d.Type {
	case flight.DescriptorPATH:
		c.Dataset = strings.Join(d.Path, ".")
	case flight.DescriptorCMD:
		if err := json.Unmarshal(d.Cmd, &c); err != nil {
			return Command{}, errors.Wrap(err, errors.ErrorTypeValidation, "invalid command descriptor")
		}
	default:
		return Command{}, errors.Newf(errors.ErrorTypeValidation, "unsupported descriptor type %s", d.Type)
	}
	if c.Dataset == "" {
		return Command{}, errors.New(errors.ErrorTypeValidation, "descriptor names no dataset")
	}
	return c, nil
}

const ticketVersion = 1

// ticket is the server's private encoding of a DoGet handle.
type ticket struct {
	Version int     `json:"v"`
	Nonce   string  `json:"nonce"`
	Command Command `json:"cmd"`
}

// signedTicket carries the encoded ticket and its HMAC-SHA256 under the
// issuing server's key.
type signedTicket struct {
	Payload json.RawMessage `json:"p"`
	Sig     []byte          `json:"s"`
}

// ticketSigner issues and verifies the tickets of one server.
type ticketSigner struct {
	key []byte
}

// newTicketSigner uses key, or a random key when key is empty; tickets
// then only verify on the process that issued them.
func newTicketSigner(key []byte) *ticketSigner {
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	return &ticketSigner{key: key}
}

func (ts *ticketSigner) sign(payload []byte) []byte {
	m := hmac.New(sha256.New, ts.key)
	m.Write(payload)
	return m.Sum(nil)
}

func (ts *ticketSigner) encode(c Command) (*flight.Ticket, error) {
	payload, err := json.Marshal(ticket{Version: ticketVersion, Nonce: uuid.NewString(), Command: c})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode ticket")
	}
	body, err := json.Marshal(signedTicket{Payload: payload, Sig: ts.sign(payload)})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode ticket")
	}
	return &flight.Ticket{Ticket: body}, nil
}

func (ts *ticketSigner) decode(t *flight.Ticket) (Command, error) {
	if t == nil || len(t.Ticket) == 0 {
		return Command{}, errors.New(errors.ErrorTypeValidation, "empty ticket")
	}
	var st signedTicket
	if err := json.Unmarshal(t.Ticket, &st); err != nil {
		return Command{}, errors.Wrap(err, errors.ErrorTypeValidation, "malformed ticket")
	}
	if len(st.Payload) == 0 || !hmac.Equal(st.Sig, ts.sign(st.Payload)) {
		return Command{}, errors.New(errors.ErrorTypeValidation, "ticket was not issued by this server")
	}
	var tk ticket
	if err := json.Unmarshal(st.Payload, &tk); err != nil {
		return Command{}, errors.Wrap(err, errors.ErrorTypeValidation, "malformed ticket")
	}
	if tk.Version != ticketVersion || tk.Command.Dataset == "" {
		return Command{}, errors.Newf(errors.ErrorTypeValidation, "unsupported ticket version %d", tk.Version)
	}
	return tk.Command, nil
}
