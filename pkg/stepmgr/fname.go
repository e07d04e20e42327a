package stepmgr

import (
	"fmt"
	"strings"
)

// ExpandFname expands an output file pattern for one task: %j job id,
// %s step id, %t global task id, %N node name, %% literal percent.
func ExpandFname(pattern string, jobID, stepID, taskID uint32, node string) string {
	var sb strings.Builder
	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '%' || i+1 == len(pattern) {
			sb.WriteByte(pattern[i])
			continue
		}
		i++
		switch pattern[i] {
		case 'j':
			fmt.Fprintf(&sb, "%d", jobID)
		case 's':
			fmt.Fprintf(&sb, "%d", stepID)
		case 't':
			fmt.Fprintf(&sb, "%d", taskID)
		case 'N':
			sb.WriteString(node)
		case '%':
			sb.WriteByte('%')
		default:
			sb.WriteByte('%')
			sb.WriteByte(pattern[i])
		}
	}
	return sb.String()
}
