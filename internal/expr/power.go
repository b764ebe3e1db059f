package expr

import "strings"

// rewritePower turns every a ** b in src into pow(a, b), which the Starlark
// grammar lacks. Operators are rewritten right to left so that a ** b ** c
// groups as a ** (b ** c), and the left operand is a single primary so that
// -x ** 2 stays -(x ** 2).
func rewritePower(src string) (string, bool) {
	if !strings.Contains(src, "**") || strings.ContainsAny(src, `"'`) {
		return src, true
	}
	for {
		at := strings.LastIndex(src, "**")
		if at < 0 {
			return src, true
		}
		lo := primaryStart(src, at)
		hi := operandEnd(src, at+2)
		if lo < 0 || hi < 0 {
			return src, false
		}
		left := strings.TrimSpace(src[lo:at])
		right := strings.TrimSpace(src[at+2 : hi])
		src = src[:lo] + "pow(" + left + ", " + right + ")" + src[hi:]
	}
}

func isNameByte(b byte) bool {
	return b == '_' || b == '.' ||
		'a' <= b && b <= 'z' || 'A' <= b && b <= 'Z' || '0' <= b && b <= '9'
}

func isDigit(b byte) bool { return '0' <= b && b <= '9' }

// primaryStart returns where the primary expression ending before end
// begins: a name or number, optionally followed by parenthesized arguments,
// or a parenthesized group.
func primaryStart(src string, end int) int {
	i := end
	for i > 0 && src[i-1] == ' ' {
		i--
	}
	if i > 0 && src[i-1] == ')' {
		depth := 0
		for i > 0 {
			i--
			switch src[i] {
			case ')':
				depth++
			case '(':
				depth--
			}
			if depth == 0 {
				break
			}
		}
		if depth != 0 {
			return -1
		}
	}
	start := i
	for start > 0 && isNameByte(src[start-1]) {
		start--
	}
	// 1e-3 scans back to "3"; continue over the exponent sign.
	if start >= 2 && start < i && (src[start-1] == '-' || src[start-1] == '+') &&
		(src[start-2] == 'e' || src[start-2] == 'E') {
		j := start - 2
		for j > 0 && isNameByte(src[j-1]) {
			j--
		}
		if isDigit(src[j]) {
			start = j
		}
	}
	if start == end || strings.TrimSpace(src[start:end]) == "" {
		return -1
	}
	return start
}

// operandEnd returns where the right operand of ** starting at from ends:
// optional unary signs, then a name, number or parenthesized group followed
// by any call arguments.
func operandEnd(src string, from int) int {
	i := from
	for i < len(src) && (src[i] == ' ' || src[i] == '-' || src[i] == '+') {
		i++
	}
	begin := i
	for i < len(src) {
		switch {
		case src[i] == '(':
			depth := 0
			for i < len(src) {
				switch src[i] {
				case '(':
					depth++
				case ')':
					depth--
				}
				i++
				if depth == 0 {
					break
				}
			}
			if depth != 0 {
				return -1
			}
		case isNameByte(src[i]):
			i++
			if (src[i-1] == 'e' || src[i-1] == 'E') && i < len(src) && (src[i] == '-' || src[i] == '+') && isDigit(src[begin]) {
				i++
			}
		default:
			if i == begin {
				return -1
			}
			return i
		}
	}
	if i == begin {
		return -1
	}
	return i
}
