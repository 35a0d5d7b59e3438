package pkg

import (
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Hand-written easyjson codecs for the payloads that cross redis. Field
// names follow the json tags of each struct.

// decodeObject walks the members of a JSON object, handing every non-null
// value to field. Unknown keys must be skipped by field.
func decodeObject(in *jlexer.Lexer, field func(key string)) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}

	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeString()
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		field(key)
		in.WantComma()
	}
	in.Delim('}')

	if isTopLevel {
		in.Consumed()
	}
}

type jsonUnmarshaler interface {
	UnmarshalJSON([]byte) error
}

func decodeRaw(in *jlexer.Lexer, v jsonUnmarshaler) {
	if data := in.Raw(); in.Ok() {
		in.AddError(v.UnmarshalJSON(data))
	}
}

func encodeKey(out *jwriter.Writer, key string, first bool) {
	if !first {
		out.RawByte(',')
	}
	out.String(key)
	out.RawByte(':')
}

func decodePlan(in *jlexer.Lexer, p *Plan) {
	decodeObject(in, func(key string) {
		switch key {
		case "package_fee":
			decodeRaw(in, &p.PackageFee)
		case "direct_bonus":
			decodeRaw(in, &p.DirectBonus)
		case "level_income":
			decodeRaw(in, &p.LevelIncome)
		case "creator_fee":
			decodeRaw(in, &p.CreatorFee)
		case "development_fee":
			decodeRaw(in, &p.DevelopmentFee)
		default:
			in.SkipRecursive()
		}
	})
}

func encodePlan(out *jwriter.Writer, p Plan) {
	out.RawByte('{')
	encodeKey(out, "package_fee", true)
	out.Raw(p.PackageFee.MarshalJSON())
	encodeKey(out, "direct_bonus", false)
	out.Raw(p.DirectBonus.MarshalJSON())
	encodeKey(out, "level_income", false)
	out.Raw(p.LevelIncome.MarshalJSON())
	encodeKey(out, "creator_fee", false)
	out.Raw(p.CreatorFee.MarshalJSON())
	encodeKey(out, "development_fee", false)
	out.Raw(p.DevelopmentFee.MarshalJSON())
	out.RawByte('}')
}

func (p Plan) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	encodePlan(&w, p)
	return w.Buffer.BuildBytes(), w.Error
}

func (p Plan) MarshalEasyJSON(w *jwriter.Writer) {
	encodePlan(w, p)
}

func (p *Plan) UnmarshalJSON(data []byte) error {
	r := jlexer.Lexer{Data: data}
	decodePlan(&r, p)
	return r.Error()
}

func (p *Plan) UnmarshalEasyJSON(l *jlexer.Lexer) {
	decodePlan(l, p)
}

func decodeRegistrationEvent(in *jlexer.Lexer, ev *RegistrationEvent) {
	decodeObject(in, func(key string) {
		switch key {
		case "member_id":
			ev.MemberID = in.String()
		case "sponsor":
			ev.Sponsor = in.String()
		case "enrollment_code":
			ev.EnrollmentCode = in.String()
		case "amount":
			decodeRaw(in, &ev.Amount)
		case "registered_at":
			decodeRaw(in, &ev.RegisteredAt)
		default:
			in.SkipRecursive()
		}
	})
}

func encodeRegistrationEvent(out *jwriter.Writer, ev RegistrationEvent) {
	out.RawByte('{')
	encodeKey(out, "member_id", true)
	out.String(ev.MemberID)
	encodeKey(out, "sponsor", false)
	out.String(ev.Sponsor)
	encodeKey(out, "enrollment_code", false)
	out.String(ev.EnrollmentCode)
	encodeKey(out, "amount", false)
	out.Raw(ev.Amount.MarshalJSON())
	encodeKey(out, "registered_at", false)
	out.Raw(ev.RegisteredAt.MarshalJSON())
	out.RawByte('}')
}

func (ev RegistrationEvent) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	encodeRegistrationEvent(&w, ev)
	return w.Buffer.BuildBytes(), w.Error
}

func (ev RegistrationEvent) MarshalEasyJSON(w *jwriter.Writer) {
	encodeRegistrationEvent(w, ev)
}

func (ev *RegistrationEvent) UnmarshalJSON(data []byte) error {
	r := jlexer.Lexer{Data: data}
	decodeRegistrationEvent(&r, ev)
	return r.Error()
}

func (ev *RegistrationEvent) UnmarshalEasyJSON(l *jlexer.Lexer) {
	decodeRegistrationEvent(l, ev)
}

func decodeLevelStats(in *jlexer.Lexer, s *LevelStats) {
	decodeObject(in, func(key string) {
		switch key {
		case "counts":
			s.Counts = s.Counts[:0]
			in.Delim('[')
			for !in.IsDelim(']') {
				s.Counts = append(s.Counts, in.Int())
				in.WantComma()
			}
			in.Delim(']')
		default:
			in.SkipRecursive()
		}
	})
}

func encodeLevelStats(out *jwriter.Writer, s LevelStats) {
	out.RawByte('{')
	encodeKey(out, "counts", true)
	if s.Counts == nil && out.Flags&jwriter.NilSliceAsEmpty == 0 {
		out.RawString("null")
	} else {
		out.RawByte('[')
		for i, n := range s.Counts {
			if i > 0 {
				out.RawByte(',')
			}
			out.Int(n)
		}
		out.RawByte(']')
	}
	out.RawByte('}')
}

func (s LevelStats) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	encodeLevelStats(&w, s)
	return w.Buffer.BuildBytes(), w.Error
}

func (s LevelStats) MarshalEasyJSON(w *jwriter.Writer) {
	encodeLevelStats(w, s)
}

func (s *LevelStats) UnmarshalJSON(data []byte) error {
	r := jlexer.Lexer{Data: data}
	decodeLevelStats(&r, s)
	return r.Error()
}

func (s *LevelStats) UnmarshalEasyJSON(l *jlexer.Lexer) {
	decodeLevelStats(l, s)
}
