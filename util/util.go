package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	_ "embed"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"html"
	"regexp"
	"strings"
)

//go:embed version.txt
var embeddedVersion string

type RsaKeyPair struct {
	Private string
	Public  string
}

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}

func GeneratePemKeypair() *RsaKeyPair {
	bitSize := 4096

	key, err := rsa.GenerateKey(rand.Reader, bitSize)
	if err != nil {
		panic(err)
	}

	pub := key.Public()

	// Use PKCS#8 format for new keys (standard format)
	pkcs8Bytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		panic(err)
	}

	keyPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "PRIVATE KEY", // PKCS#8 format
			Bytes: pkcs8Bytes,
		},
	)

	// Use PKIX format for public keys (also called PKCS#8 public key format)
	pkixBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		panic(err)
	}

	pubPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "PUBLIC KEY", // PKIX format
			Bytes: pkixBytes,
		},
	)

	return &RsaKeyPair{Private: string(keyPEM[:]), Public: string(pubPEM[:])}
}

// MarkdownLinksToHTML converts Markdown links [text](url) to HTML <a> tags
func MarkdownLinksToHTML(text string) string {
	// Regex pattern for Markdown links: [text](url)
	re := regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)

	// Replace all Markdown links with HTML anchor tags
	result := re.ReplaceAllStringFunc(text, func(match string) string {
		matches := re.FindStringSubmatch(match)
		if len(matches) == 3 {
			linkText := html.EscapeString(matches[1])
			linkURL := html.EscapeString(matches[2])
			return fmt.Sprintf(`<a href="%s" target="_blank" rel="noopener noreferrer">%s</a>`, linkURL, linkText)
		}
		return match
	})

	return result
}

var hashtagRegex = regexp.MustCompile(`#([a-zA-Z][a-zA-Z0-9_]*)`)
var mentionRegex = regexp.MustCompile(`@([a-zA-Z0-9_]+)@([a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`)

// ParseHashtags extracts #tag occurrences from text, deduplicated
// case-insensitively and lowercased, preserving first-occurrence order.
func ParseHashtags(text string) []string {
	matches := hashtagRegex.FindAllStringSubmatch(text, -1)

	seen := make(map[string]bool)
	tags := make([]string, 0, len(matches))
	for _, match := range matches {
		if len(match) >= 2 {
			tag := strings.ToLower(match[1])
			if !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

// HashtagsToActivityPubHTML rewrites #tag occurrences in text into the
// anchor-tag shape other ActivityPub implementations expect to find a
// Hashtag's href in the rendered content.
func HashtagsToActivityPubHTML(text string, baseURL string) string {
	return hashtagRegex.ReplaceAllStringFunc(text, func(match string) string {
		submatches := hashtagRegex.FindStringSubmatch(match)
		if len(submatches) >= 2 {
			tag := strings.ToLower(submatches[1])
			return fmt.Sprintf(`<a href="%s/tags/%s" class="hashtag" rel="tag">#<span>%s</span></a>`, baseURL, tag, tag)
		}
		return match
	})
}

// Mention is a parsed @username@domain reference found in note text.
type Mention struct {
	Username string
	Domain   string
}

// ParseMentions extracts @username@domain mentions from text, deduplicated
// case-insensitively, preserving first-occurrence order.
func ParseMentions(text string) []Mention {
	matches := mentionRegex.FindAllStringSubmatch(text, -1)

	seen := make(map[string]bool)
	mentions := make([]Mention, 0, len(matches))
	for _, match := range matches {
		if len(match) >= 3 {
			username := strings.ToLower(match[1])
			domain := strings.ToLower(match[2])
			key := username + "@" + domain
			if !seen[key] {
				seen[key] = true
				mentions = append(mentions, Mention{Username: username, Domain: domain})
			}
		}
	}
	return mentions
}

// MentionsToActivityPubHTML rewrites @username@domain occurrences in text
// into h-card anchors, resolving each to its actor URI via mentionURIs
// (keyed "@username@domain") where known, falling back to a guessed
// profile URL otherwise.
func MentionsToActivityPubHTML(text string, mentionURIs map[string]string) string {
	return mentionRegex.ReplaceAllStringFunc(text, func(match string) string {
		submatches := mentionRegex.FindStringSubmatch(match)
		if len(submatches) < 3 {
			return match
		}
		username := strings.ToLower(submatches[1])
		domain := strings.ToLower(submatches[2])
		key := "@" + username + "@" + domain
		if actorURI, ok := mentionURIs[key]; ok {
			return fmt.Sprintf(`<span class="h-card"><a href="%s" class="u-url mention">@<span>%s</span></a></span>`, actorURI, username)
		}
		return fmt.Sprintf(`<span class="h-card"><a href="https://%s/@%s" class="u-url mention">@<span>%s</span></a></span>`, domain, username, username)
	})
}

// IsURL checks if a given string is a valid HTTP or HTTPS URL
func IsURL(text string) bool {
	// Trim whitespace
	text = strings.TrimSpace(text)

	// Simple regex to match http:// or https:// URLs
	urlRegex := regexp.MustCompile(`^https?://[^\s]+$`)
	return urlRegex.MatchString(text)
}

// ValidateNoteLength checks if the full note text (including markdown syntax)
// exceeds the database limit of 1000 characters.
// Returns an error if the text is too long.
func ValidateNoteLength(text string) error {
	const maxDBLength = 1000

	if len(text) > maxDBLength {
		return fmt.Errorf("Note too long (max %d characters including links)", maxDBLength)
	}

	return nil
}
