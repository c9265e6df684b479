package claudecode

import "strings"

// TextContent extracts the textual content of a message by concatenating
// the text blocks with newline separators, preserving block order.
// Thinking and tool_use blocks are skipped.
func TextContent(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUseBlocks returns the tool_use blocks of a message in order.
func ToolUseBlocks(blocks []ContentBlock) []ContentBlock {
	var out []ContentBlock
	for _, b := range blocks {
		if b.Type == "tool_use" {
			out = append(out, b)
		}
	}
	return out
}
