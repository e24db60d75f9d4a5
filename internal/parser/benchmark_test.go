package parser

import (
	"testing"

	"github.com/slsolucije/astlog/internal/model"
)

var benchSink *model.Event

func BenchmarkParseSIPLine(b *testing.B) {
	keys, _ := NewKeyExtractor("auto")
	p := New(keys)
	line := `[2026-02-17 10:00:00.123456] VERBOSE[1234] chan_sip.c: Transmitting (no NAT) to 10.0.0.2:5060: INVITE sip:2001@pbx.example.com SIP/2.0 Call-ID: abc123@10.0.0.1`

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ev, err := p.Parse(line, model.SourceLog)
		if err != nil {
			b.Fatal(err)
		}
		benchSink = ev
	}
}

func BenchmarkParseNoiseLine(b *testing.B) {
	keys, _ := NewKeyExtractor("auto")
	p := New(keys)
	line := `[2026-02-17 10:00:00] NOTICE[99] loader.c: 312 modules registered`

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ev, err := p.Parse(line, model.SourceLog)
		if err != nil {
			b.Fatal(err)
		}
		benchSink = ev
	}
}

func BenchmarkParseCDRRow(b *testing.B) {
	keys, _ := NewKeyExtractor("auto")
	p := New(keys)
	line := `"","1001","2001","default","""Alice"" <1001>","SIP/1001-0000abcd","SIP/2001-0000abce","Dial","SIP/2001,30","2026-02-17 10:00:00","2026-02-17 10:00:02","2026-02-17 10:00:05","5","3","ANSWERED","DOCUMENTATION"`

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ev, err := p.Parse(line, model.SourceCDR)
		if err != nil {
			b.Fatal(err)
		}
		benchSink = ev
	}
}
