package jsvm

import (
	"regexp"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"glance/internal/jsvmerr"
)

// forbiddenPattern is a construct widget code may not contain outside of
// string literals and comments.
type forbiddenPattern struct {
	name    string
	re      *regexp.Regexp
	message string
}

// The fetch primitive is intentionally absent: network access is bounded by the
// host page (client) or the fetch capability (server), not by this scan.
var forbiddenPatterns = []forbiddenPattern{
	{"import()", regexp.MustCompile(`\bimport\s*\(`), "dynamic imports are not allowed"},
	{"import", regexp.MustCompile(`(^|[;\n])\s*import\b`), "import statements are not allowed"},
	{"require()", regexp.MustCompile(`\brequire\s*\(`), "require is not allowed"},
	{"eval()", regexp.MustCompile(`\beval\s*\(`), "eval is not allowed"},
	{"new Function", regexp.MustCompile(`\bnew\s+Function\b`), "the Function constructor is not allowed"},
	{"Function()", regexp.MustCompile(`(^|[^.\w$])Function\s*\(`), "the Function constructor is not allowed"},
	{"window", regexp.MustCompile(`\bwindow\s*(\.|\[)`), "direct window access is not allowed"},
	{"document", regexp.MustCompile(`\bdocument\s*(\.|\[)`), "direct document access is not allowed"},
	{"navigator", regexp.MustCompile(`\bnavigator\s*(\.|\[)`), "navigator access is not allowed"},
	{"localStorage", regexp.MustCompile(`\blocalStorage\b`), "persistent browser storage is not allowed"},
	{"sessionStorage", regexp.MustCompile(`\bsessionStorage\b`), "persistent browser storage is not allowed"},
	{"indexedDB", regexp.MustCompile(`\bindexedDB\b`), "persistent browser storage is not allowed"},
	{"XMLHttpRequest", regexp.MustCompile(`\bXMLHttpRequest\b`), "XMLHttpRequest is not allowed, use fetch"},
	{"WebSocket", regexp.MustCompile(`\bWebSocket\b`), "WebSocket is not allowed"},
	{"process", regexp.MustCompile(`\bprocess\s*(\.|\[)`), "process access is not allowed"},
}

// ValidationResult is the outcome of a source scan.
type ValidationResult struct {
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// Validate scans widget code for forbidden constructs. It is a best-effort lint,
// not a sandbox: the first match fails the scan.
//
// Code that parses is scanned in its printed form, where JSX text has become
// ordinary string literals and every statement sits on its own line. Code that
// does not parse is scanned as written.
func Validate(code string) ValidationResult {
	if strings.TrimSpace(code) == "" {
		return ValidationResult{Valid: false, Error: "code is empty"}
	}

	raw := scan(StripLiterals(code))
	printed, ok := normalize(code)
	if !ok {
		if raw != nil {
			return *raw
		}
		return ValidationResult{Valid: true}
	}

	res := scan(StripLiterals(printed))
	if res == nil {
		return ValidationResult{Valid: true}
	}
	// Line numbers refer to the code as written.
	res.Line = 0
	if raw != nil && raw.Pattern == res.Pattern {
		res.Line = raw.Line
	}
	return *res
}

var scanOptions = api.TransformOptions{
	Loader:        api.LoaderJSX,
	JSX:           api.JSXTransform,
	JSXFactory:    ElementFactory,
	JSXFragment:   FragmentFactory,
	Target:        api.ESNext,
	Sourcefile:    "scan.jsx",
	LegalComments: api.LegalCommentsNone,
	Charset:       api.CharsetUTF8,
}

// normalize reprints code through the transpiler. Server code may use
// top-level return and await, so the code is parsed as an async function body.
func normalize(code string) (string, bool) {
	res := api.Transform("(async function () {\n"+code+"\n});", scanOptions)
	if len(res.Errors) > 0 {
		return "", false
	}
	return string(res.Code), true
}

func scan(stripped string) *ValidationResult {
	for _, p := range forbiddenPatterns {
		loc := p.re.FindStringIndex(stripped)
		if loc == nil {
			continue
		}
		return &ValidationResult{
			Valid:   false,
			Error:   "Forbidden pattern detected: " + p.name + " (" + p.message + ")",
			Pattern: p.name,
			Line:    strings.Count(stripped[:loc[0]], "\n") + 1,
		}
	}
	return nil
}

// CheckSource runs Validate and converts a failure into a ValidationError.
func CheckSource(code string) error {
	res := Validate(code)
	if res.Valid {
		return nil
	}
	return &jsvmerr.ValidationError{Pattern: res.Pattern, Message: res.Error}
}

// StripLiterals blanks out comments, string literals and the text parts of
// template literals. Expressions inside template substitutions are kept, as
// are newlines, so offsets and line numbers in the result match the input.
func StripLiterals(code string) string {
	s := &stripper{src: code, out: []byte(code)}
	s.code(false)
	return string(s.out)
}

type stripper struct {
	src string
	out []byte
	pos int
}

func (s *stripper) blank(from, to int) {
	for i := from; i < to && i < len(s.out); i++ {
		if s.out[i] != '\n' {
			s.out[i] = ' '
		}
	}
}

// code scans ordinary code. When nested is true it returns at the '}' that
// closes a template substitution.
func (s *stripper) code(nested bool) {
	depth := 0
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch {
		case c == '/' && s.peek(1) == '/':
			start := s.pos
			for s.pos < len(s.src) && s.src[s.pos] != '\n' {
				s.pos++
			}
			s.blank(start, s.pos)
		case c == '/' && s.peek(1) == '*':
			start := s.pos
			end := strings.Index(s.src[s.pos+2:], "*/")
			if end < 0 {
				s.pos = len(s.src)
			} else {
				s.pos += end + 4
			}
			s.blank(start, s.pos)
		case c == '/' && s.regexAllowed():
			s.regex()
		case c == '\'' && s.apostrophe():
			s.pos++
		case c == '\'' || c == '"':
			s.quoted(c)
		case c == '`':
			s.template()
		case c == '{':
			depth++
			s.pos++
		case c == '}':
			if nested && depth == 0 {
				return
			}
			depth--
			s.pos++
		default:
			s.pos++
		}
	}
}

// quoted consumes a single or double quoted string. A quote with no partner
// on the same line is not a string, so only the quote itself is blanked.
func (s *stripper) quoted(q byte) {
	start := s.pos
	s.pos++
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		if c == '\\' {
			s.pos += 2
			continue
		}
		if c == '\n' {
			break
		}
		s.pos++
		if c == q {
			s.blank(start, s.pos)
			return
		}
	}
	s.pos = start + 1
	s.blank(start, s.pos)
}

// regex consumes a regular expression literal. Without a closing slash on the
// same line the slash is taken as division.
func (s *stripper) regex() {
	start := s.pos
	s.pos++
	inClass := false
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch {
		case c == '\\':
			s.pos += 2
			continue
		case c == '\n':
			s.pos = start + 1
			return
		case c == '[':
			inClass = true
		case c == ']':
			inClass = false
		case c == '/' && !inClass:
			s.pos++
			for s.pos < len(s.src) && isWordByte(s.src[s.pos]) {
				s.pos++
			}
			s.blank(start, s.pos)
			return
		}
		s.pos++
	}
	s.pos = start + 1
}

// regexAllowed reports whether a slash at the current position starts a
// regular expression rather than a division.
func (s *stripper) regexAllowed() bool {
	i := s.pos - 1
	for i >= 0 && (s.src[i] == ' ' || s.src[i] == '\t') {
		i--
	}
	if i < 0 || s.src[i] == '\n' {
		return true
	}
	c := s.src[i]
	if strings.IndexByte("(,=:[!&|?{;+-*%~^", c) >= 0 {
		return true
	}
	return isWordByte(c) && regexKeywords[s.wordBefore(i+1)]
}

// apostrophe reports whether a single quote sits inside a word, as in JSX
// text like "don't". Keywords such as return may be followed by a string.
func (s *stripper) apostrophe() bool {
	if s.pos == 0 || !isWordByte(s.src[s.pos-1]) || !isWordByte(s.peek(1)) {
		return false
	}
	return !regexKeywords[s.wordBefore(s.pos)]
}

func (s *stripper) wordBefore(end int) string {
	start := end
	for start > 0 && isWordByte(s.src[start-1]) {
		start--
	}
	return s.src[start:end]
}

var regexKeywords = map[string]bool{
	"return": true, "typeof": true, "case": true, "do": true, "else": true,
	"in": true, "of": true, "void": true, "delete": true, "throw": true,
	"yield": true, "await": true, "new": true, "instanceof": true,
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func (s *stripper) template() {
	start := s.pos
	s.pos++
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		if c == '\\' {
			s.pos += 2
			continue
		}
		if c == '`' {
			s.pos++
			s.blank(start, s.pos)
			return
		}
		if c == '$' && s.peek(1) == '{' {
			s.pos += 2
			s.blank(start, s.pos)
			s.code(true)
			if s.pos < len(s.src) {
				s.pos++ // closing brace
			}
			start = s.pos
			continue
		}
		s.pos++
	}
	if s.pos > len(s.src) {
		s.pos = len(s.src)
	}
	s.blank(start, s.pos)
}

func (s *stripper) peek(n int) byte {
	if s.pos+n < len(s.src) {
		return s.src[s.pos+n]
	}
	return 0
}
