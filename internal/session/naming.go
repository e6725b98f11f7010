package session

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// SanitizeForBranch converts free text into a valid git branch name component.
// It:
// - Converts to lowercase
// - Replaces anything non-alphanumeric with a hyphen
// - Collapses consecutive hyphens
// - Truncates to maxLen characters
// - Removes leading/trailing hyphens
func SanitizeForBranch(text string, maxLen int) string {
	if text == "" {
		return ""
	}

	result := strings.ToLower(text)

	// Git branch names allow more, but alphanumerics and hyphens keep the
	// generated names portable across remotes.
	var sb strings.Builder
	for _, r := range result {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	result = sb.String()

	re := regexp.MustCompile(`-+`)
	result = re.ReplaceAllString(result, "-")

	result = strings.Trim(result, "-")

	if len(result) > maxLen {
		result = result[:maxLen]
		result = strings.TrimRight(result, "-")
	}

	return result
}

const branchSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// SmallSuffix returns a random suffix capped at 3 characters.
func SmallSuffix(maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if maxLen > 3 {
		maxLen = 3
	}
	buf := make([]byte, maxLen)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("x", maxLen)
	}
	for i := range buf {
		buf[i] = branchSuffixAlphabet[int(buf[i])%len(branchSuffixAlphabet)]
	}
	return string(buf)
}

// WorkflowBranchName derives the default branch for a step when neither the
// step nor its workflow names one. Format: wf-<workflow-slug>-<sequence>.
func WorkflowBranchName(workflowID string, sequence int) string {
	slug := SanitizeForBranch(workflowID, 20)
	if slug == "" {
		slug = SmallSuffix(3)
	}
	return fmt.Sprintf("wf-%s-%d", slug, sequence)
}
