package sqlgate

import "strings"

// queryKeywords lead statements that go down the row-returning path.
// WITH is always treated as a query; a CTE that wraps a write is
// misclassified, which the mutation path would also survive.
var queryKeywords = []string{"SELECT", "SHOW", "DESCRIBE", "DESC", "EXPLAIN", "WITH"}

// IsQuery reports whether the statement returns rows. Comments are
// stripped first so a statement starting with a comment still classifies
// by its first real keyword.
func IsQuery(sqlText string) bool {
	clean := strings.TrimSpace(strings.ToUpper(stripComments(sqlText)))
	if clean == "" {
		return false
	}

	for _, keyword := range queryKeywords {
		if strings.HasPrefix(clean, keyword) {
			// keyword must be followed by whitespace or end of statement
			// so SELECTALL does not match
			if len(clean) == len(keyword) || isSpace(rune(clean[len(keyword)])) {
				return true
			}
		}
	}
	return false
}

// stripComments removes -- line comments and /* */ block comments while
// leaving string literals untouched, including backslash escapes.
func stripComments(sql string) string {
	var result strings.Builder
	runes := []rune(sql)
	i := 0

	for i < len(runes) {
		if i < len(runes)-1 && runes[i] == '-' && runes[i+1] == '-' {
			for i < len(runes) && runes[i] != '\n' && runes[i] != '\r' {
				i++
			}
			if i < len(runes) {
				result.WriteRune(' ')
				i++
			}
			continue
		}

		if i < len(runes)-1 && runes[i] == '/' && runes[i+1] == '*' {
			i += 2
			for i < len(runes)-1 {
				if runes[i] == '*' && runes[i+1] == '/' {
					i += 2
					break
				}
				i++
			}
			result.WriteRune(' ')
			continue
		}

		if runes[i] == '\'' || runes[i] == '"' {
			quote := runes[i]
			result.WriteRune(runes[i])
			i++
			for i < len(runes) {
				if runes[i] == quote {
					result.WriteRune(runes[i])
					i++
					break
				}
				if runes[i] == '\\' && i < len(runes)-1 {
					result.WriteRune(runes[i])
					i++
				}
				result.WriteRune(runes[i])
				i++
			}
			continue
		}

		result.WriteRune(runes[i])
		i++
	}

	return result.String()
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f' || r == '\v'
}
