package protocol

type LineStatus uint8

const (
	LineOK   LineStatus = iota // line terminated, CRLF replaced by two zero bytes
	LineBad                    // stray CR or LF
	LineOpen                   // need more data
)

// scan buf[checked:read] for the end of the current line.
// returns status and new checked index, it never goes back so partial lines
// resume where the previous read stopped. checked <= read always holds on return
func ScanLine(buf []byte, checked, read int) (LineStatus, int) {
	for ; checked < read; checked++ {
		switch buf[checked] {
		case '\r':
			if checked+1 == read {
				return LineOpen, checked
			}
			if buf[checked+1] == '\n' {
				buf[checked] = 0
				buf[checked+1] = 0
				return LineOK, checked + 2
			}
			return LineBad, checked

		case '\n':
			if checked > 1 && buf[checked-1] == '\r' {
				buf[checked-1] = 0
				buf[checked] = 0
				return LineOK, checked + 1
			}
			return LineBad, checked
		}
	}
	return LineOpen, checked
}
