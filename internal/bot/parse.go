package bot

import (
	"slices"
	"strings"

	"github.com/google/uuid"
)

// newReqID returns a short id that ties the log lines of one command
// together.
func newReqID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String()[:13], "-", "")
}

// tokenizeCommandLine splits command text into tokens while supporting quotes.
//
//	/notify 1234 guardian "see you tomorrow" --phone=+961...
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// parseFlags splits raw args into positionals and --k=v / --k v / --flag
// options. Single-dash tokens are positionals so negative numbers survive.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--") && len(a) > 2 {
			key := strings.TrimPrefix(a, "--")
			if eq := strings.IndexByte(key, '='); eq >= 0 {
				flags[key[:eq]] = key[eq+1:]
				continue
			}
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
				flags[key] = args[i+1]
				i++
				continue
			}
			bools[key] = true
			continue
		}
		pos = append(pos, a)
	}
	return pos, flags, bools
}

// skipFields returns s without its first n whitespace-separated words,
// keeping the remaining text (line breaks included) as written.
func skipFields(s string, n int) string {
	s = strings.TrimLeft(s, " \t\r\n")
	for ; n > 0 && s != ""; n-- {
		i := strings.IndexAny(s, " \t\r\n")
		if i < 0 {
			return ""
		}
		s = strings.TrimLeft(s[i:], " \t\r\n")
	}
	return strings.TrimSpace(s)
}

// leadingArgs reads n positional words from the start of text, together with
// any --key=value or --flag options placed among or right after them, and
// returns the rest of text as written. Keys listed in valued also accept
// "--key value". Quotes, apostrophes, line breaks and later "--" words in
// the rest are kept verbatim.
//
//	1234 guardian --teacher "Mr. Adel" Your child's results:\n{exams_report}
func leadingArgs(text string, n int, valued ...string) (pos []string, flags map[string]string, rest string) {
	flags = map[string]string{}
	rest = strings.TrimSpace(text)
	for rest != "" {
		tok, after := nextToken(rest)
		if !strings.HasPrefix(tok, "--") || len(tok) <= 2 {
			if len(pos) == n {
				break
			}
			pos = append(pos, tok)
			rest = after
			continue
		}
		key, val, hasVal := strings.Cut(tok[2:], "=")
		if !hasVal && slices.Contains(valued, key) {
			val, after = nextToken(after)
		}
		flags[key] = val
		rest = after
	}
	return pos, flags, rest
}

// nextToken splits one shell-like word off s, honouring quotes, and returns
// it with the remainder trimmed on the left.
func nextToken(s string) (tok, rest string) {
	s = strings.TrimLeft(s, " \t\r\n")
	var (
		b     strings.Builder
		quote byte
		i     int
	)
	for ; i < len(s); i++ {
		ch := s[i]
		switch {
		case quote != 0 && ch == quote:
			quote = 0
		case quote != 0:
			b.WriteByte(ch)
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == ' ' || ch == '\t' || ch == '\r' || ch == '\n':
			return b.String(), strings.TrimLeft(s[i:], " \t\r\n")
		default:
			b.WriteByte(ch)
		}
	}
	return b.String(), ""
}
