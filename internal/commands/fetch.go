package commands

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"unicode/utf8"

	"gatewaybot/botd/internal/envelope"
	"gatewaybot/botd/internal/logging"
)

var fenceLanguages = map[string]string{
	".go":   "go",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".hpp":  "cpp",
	".js":   "javascript",
	".css":  "css",
	".py":   "python",
	".java": "java",
	".php":  "php",
	".json": "json",
	".sh":   "bash",
}

// onFetch downloads a raw file and posts it inline when it fits the post
// budget, or uploads it as a text attachment otherwise.
//
// Accepted forms:
//
//	$fetch [url]        post in up to 4 messages, upload when larger
//	$fetch [n] [url]    post in up to n messages (clamped to 7), never upload
func (s *Set) onFetch(ev *envelope.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	fields := strings.Fields(ev.Body)
	maxPosts := DefaultPosts
	forceEmbed := false
	var rawURL string
	switch {
	case len(fields) >= 3 && strings.HasPrefix(fields[2], "https://"):
		if value, err := strconv.Atoi(fields[1]); err == nil && value > 0 {
			maxPosts = value
			if maxPosts > MaxPosts {
				maxPosts = MaxPosts
			}
			forceEmbed = true
		}
		rawURL = fields[2]
	case len(fields) >= 2 && strings.HasPrefix(fields[1], "https://"):
		rawURL = fields[1]
	default:
		return s.sender.PostMessage(ctx, ev.ChannelID, "Usage: $fetch [n] [https url]")
	}

	s.sender.Typing(ctx, ev.ChannelID)

	resp, err := s.cfg.Client.Do(ctx, http.MethodGet, rawURL, nil, nil)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if !resp.Success() {
		return fmt.Errorf("fetch %s: status %d", rawURL, resp.Status)
	}

	filename := path.Base(rawURL)
	posts, fits := wrapCode(string(resp.Body), filename, maxPosts)
	if fits {
		s.logger.Debug("fetched file embedded",
			logging.String("file", filename),
			logging.Int("posts", len(posts)))
		return s.postAll(ctx, ev.ChannelID, posts)
	}
	if forceEmbed {
		//1.- An explicit post budget means post what fits and say so, never
		// fall back to an upload the user did not ask for.
		posts, _ = wrapCode(string(resp.Body), filename, maxPosts)
		if err := s.postAll(ctx, ev.ChannelID, posts[:maxPosts]); err != nil {
			return err
		}
		return s.sender.PostMessage(ctx, ev.ChannelID,
			fmt.Sprintf("Truncated %s to %d posts", filename, maxPosts))
	}

	s.logger.Debug("fetched file uploaded", logging.String("file", filename))
	return s.sender.UploadFile(ctx, ev.ChannelID, filename+".txt", resp.Body)
}

// wrapCode splits content into fenced posts within the message length limit.
// The boolean reports whether everything fit inside maxPosts.
func wrapCode(content, filename string, maxPosts int) ([]string, bool) {
	lang := fenceLanguages[strings.ToLower(path.Ext(filename))]
	header := "```" + lang + "\n"
	footer := "\n```"
	budget := MaxCharsPerPost - len(header) - len(footer)

	var posts []string
	for start := 0; start < len(content); {
		end := start + budget
		if end >= len(content) {
			end = len(content)
		} else {
			//1.- Back the cut off to a rune boundary so a post never ends in
			// a split multi-byte sequence.
			for end > start && !utf8.RuneStart(content[end]) {
				end--
			}
			if end == start {
				end = start + budget
			}
		}
		posts = append(posts, header+content[start:end]+footer)
		start = end
	}
	if len(posts) == 0 {
		posts = []string{header + footer}
	}
	return posts, len(posts) <= maxPosts
}
