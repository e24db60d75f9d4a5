package parser

import (
	"encoding/csv"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/slsolucije/astlog/internal/model"
)

// ParseError reports a recognized line whose timestamp (or another
// mandatory field) could not be decoded. The line is dropped and
// ingestion continues.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s: %q", e.Reason, truncate(e.Line, 120))
}

// Timestamp layouts accepted in switch logs and CDR rows.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"Jan _2 15:04:05.999999",
}

// ParseWhen decodes a switch-log timestamp. Returns the zero time when
// no layout matches.
func ParseWhen(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Parser converts raw lines into events. Parsing is stateless: the
// result depends only on the line and its source.
type Parser struct {
	sip  *sipLineParser
	cdr  *cdrLineParser
	keys KeyExtractor
}

// New creates a Parser using the given key-extraction strategy.
func New(keys KeyExtractor) *Parser {
	return &Parser{
		sip:  newSIPLineParser(),
		cdr:  newCDRLineParser(),
		keys: keys,
	}
}

// Parse converts one raw line into an event. A nil event with a nil
// error means the line matched no pattern family and is ignored.
func (p *Parser) Parse(raw string, source model.Source) (*model.Event, error) {
	var ev *model.Event
	var err error

	switch source {
	case model.SourceCDR:
		ev, err = p.cdr.parse(raw)
	default:
		ev, err = p.sip.parse(raw)
	}
	if ev == nil || err != nil {
		return nil, err
	}

	ev.Key = p.keys.Key(ev)
	ev.AltKey = p.keys.AltKey(ev)
	return ev, nil
}

// ---------------------------------------------------------------------------
// SIP log line parser
// ---------------------------------------------------------------------------

// sipLineParser handles timestamped switch log lines:
//
//	[2026-02-17 10:00:00.123] VERBOSE[1234] chan_sip.c: Transmitting (no NAT)
//	  to 10.0.0.2:5060: INVITE sip:100@pbx SIP/2.0 Call-ID: abc@10.0.0.1
//
// A line with a valid timestamp but no SIP content becomes an OTHER
// event so surrounding context stays queryable.
type sipLineParser struct {
	reMethod   *regexp.Regexp
	reStatus   *regexp.Regexp
	reCallID   *regexp.Regexp
	reDialog   *regexp.Regexp
	reChannel  *regexp.Regexp
	reReadFrom *regexp.Regexp
	reTransmit *regexp.Regexp
	reAttempt  *regexp.Regexp
}

const sipMethods = "INVITE|ACK|BYE|CANCEL|REGISTER|OPTIONS|SUBSCRIBE|NOTIFY|REFER|INFO|UPDATE|PRACK|MESSAGE"

func newSIPLineParser() *sipLineParser {
	return &sipLineParser{
		reMethod:   regexp.MustCompile(`\b(` + sipMethods + `)\s+sip:|\(Method:\s*(` + sipMethods + `)\)`),
		reStatus:   regexp.MustCompile(`SIP/2\.0\s+(\d{3})`),
		reCallID:   regexp.MustCompile(`[Cc]all-[Ii][Dd][:=]\s*(\S+)`),
		reDialog:   regexp.MustCompile(`SIP dialog '([^']+)'`),
		reChannel:  regexp.MustCompile(`\b((?:SIP|PJSIP|IAX2|Local|DAHDI)/[A-Za-z0-9_.@]+-[0-9a-fA-F]{4,})`),
		reReadFrom: regexp.MustCompile(`SIP read from (?:UDP|TCP|TLS|WS):([0-9a-fA-F.:\[\]]+)`),
		reTransmit: regexp.MustCompile(`(?:Reliably )?(?:Re)?[Tt]ransmitting(?:\s+#?\d+)?\s+\((?:no )?NAT\)\s+to\s+([0-9a-fA-F.:\[\]]+)`),
		reAttempt:  regexp.MustCompile(`Retransmitting\s+#(\d+)`),
	}
}

func (p *sipLineParser) parse(raw string) (*model.Event, error) {
	line := strings.TrimRight(raw, "\r")
	if len(line) == 0 || line[0] != '[' {
		return nil, nil // not a switch log line
	}
	end := strings.IndexByte(line, ']')
	if end < 2 {
		return nil, nil
	}

	when := ParseWhen(line[1:end])
	if when.IsZero() {
		return nil, &ParseError{Line: raw, Reason: "malformed timestamp"}
	}
	rest := line[end+1:]

	ev := model.NewEvent(when, model.KindOther, "", line)

	if m := p.reMethod.FindStringSubmatch(rest); m != nil {
		if m[1] != "" {
			ev.Method = m[1]
		} else {
			ev.Method = m[2]
		}
	}
	// A request line never carries a status; check only when no method
	// was found so "INVITE sip:x SIP/2.0" is not misread as a response.
	if ev.Method == "" {
		if m := p.reStatus.FindStringSubmatch(rest); m != nil {
			ev.StatusCode, _ = strconv.Atoi(m[1])
		}
	}
	if m := p.reCallID.FindStringSubmatch(rest); m != nil {
		ev.CallID = strings.TrimSuffix(m[1], ";")
	} else if m := p.reDialog.FindStringSubmatch(rest); m != nil {
		ev.CallID = m[1]
	}
	if m := p.reChannel.FindStringSubmatch(rest); m != nil {
		ev.Channel = m[1]
	}
	if m := p.reReadFrom.FindStringSubmatch(rest); m != nil {
		ev.Direction = "IN"
		ev.PeerAddr = m[1]
	} else if m := p.reTransmit.FindStringSubmatch(rest); m != nil {
		ev.Direction = "OUT"
		ev.PeerAddr = strings.TrimRight(m[1], ":")
	}
	if m := p.reAttempt.FindStringSubmatch(rest); m != nil {
		ev.Attempt, _ = strconv.Atoi(m[1])
	}

	if ev.Method != "" || ev.StatusCode > 0 || ev.CallID != "" ||
		ev.Channel != "" || ev.Direction != "" {
		ev.Kind = model.KindSIP
	}
	return ev, nil
}

// ---------------------------------------------------------------------------
// CDR line parser
// ---------------------------------------------------------------------------

// cdrLineParser handles Master.csv call-detail rows:
//
//	accountcode, src, dst, dcontext, clid, channel, dstchannel, lastapp,
//	lastdata, start, answer, end, duration, billsec, disposition, amaflags
//
// Rows with fewer than 16 fields are ignored.
type cdrLineParser struct{}

func newCDRLineParser() *cdrLineParser { return &cdrLineParser{} }

const cdrMinFields = 16

func (p *cdrLineParser) parse(raw string) (*model.Event, error) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return nil, nil
	}

	r := csv.NewReader(strings.NewReader(line))
	row, err := r.Read()
	if err != nil || len(row) < cdrMinFields {
		return nil, nil
	}

	when := ParseWhen(row[9])
	if when.IsZero() {
		return nil, &ParseError{Line: raw, Reason: "malformed CDR start time"}
	}

	ev := model.NewEvent(when, model.KindCDR, "", line)
	ev.Src = row[1]
	ev.Dst = row[2]
	ev.CallerName, ev.CallerNum = parseCallerID(row[4])
	ev.Channel = row[5]
	ev.DstChannel = row[6]
	ev.DurationSec, _ = strconv.Atoi(row[12])
	ev.BillSec, _ = strconv.Atoi(row[13])
	ev.Disposition = row[14]
	if len(row) > 16 {
		// uniqueid column; deployments that set it to the SIP Call-ID
		// get direct call-id correlation between CDR rows and traces.
		ev.CallID = row[16]
	}
	return ev, nil
}

// parseCallerID splits `"Name" <number>` caller-ID strings. A bare
// value is treated as the number.
func parseCallerID(clid string) (name, num string) {
	idx := strings.IndexByte(clid, '<')
	if idx < 0 {
		return "", strings.TrimSpace(clid)
	}
	name = strings.TrimSpace(clid[:idx])
	name = strings.Trim(name, `"`)
	num = clid[idx+1:]
	if end := strings.IndexByte(num, '>'); end >= 0 {
		num = num[:end]
	}
	return name, strings.TrimSpace(num)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
