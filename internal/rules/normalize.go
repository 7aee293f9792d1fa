package rules

import "strings"

// NormalizeExpression rewrites the word-form boolean connectives `and`,
// `or`, `not` (and the literals True/False) that operations staff write in
// rule expressions into CEL syntax. The rewrite is token-aware: contents of
// string literals and identifiers like `android_version` are untouched.
func NormalizeExpression(expr string) string {
	var b strings.Builder
	b.Grow(len(expr) + 8)

	i := 0
	for i < len(expr) {
		c := expr[i]

		// String literals pass through verbatim, including escapes.
		if c == '\'' || c == '"' {
			quote := c
			b.WriteByte(c)
			i++
			for i < len(expr) {
				b.WriteByte(expr[i])
				if expr[i] == '\\' && i+1 < len(expr) {
					i++
					b.WriteByte(expr[i])
					i++
					continue
				}
				if expr[i] == quote {
					i++
					break
				}
				i++
			}
			continue
		}

		if isWordByte(c) {
			start := i
			for i < len(expr) && isWordByte(expr[i]) {
				i++
			}
			switch word := expr[start:i]; word {
			case "and":
				b.WriteString("&&")
			case "or":
				b.WriteString("||")
			case "not":
				b.WriteString("!")
			case "True":
				b.WriteString("true")
			case "False":
				b.WriteString("false")
			default:
				b.WriteString(word)
			}
			continue
		}

		b.WriteByte(c)
		i++
	}
	return b.String()
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
