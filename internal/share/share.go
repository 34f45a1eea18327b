// Package share builds event deep links and hands them to social
// platforms or the clipboard.
package share

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/atotto/clipboard"

	appLog "iplug/internal/log"
	"iplug/internal/model"
	"iplug/internal/notify"
)

type Platform string

const (
	Facebook  Platform = "facebook"
	Twitter   Platform = "twitter"
	X         Platform = "x"
	WhatsApp  Platform = "whatsapp"
	Instagram Platform = "instagram"
	TikTok    Platform = "tiktok"
	Copy      Platform = "copy"
)

const hashtags = "iPlugGQ,GqeberhaEvents"

// DeepLink is the public URL that opens the app on one event.
func DeepLink(base string, id model.EventID) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + "?event=" + url.QueryEscape(string(id))
	}
	u.RawQuery = url.Values{"event": []string{string(id)}}.Encode()
	u.Fragment = ""
	return u.String()
}

// Text is the share blurb: "<title> - <Mon, Jan 2, 2006> at <venue>".
func Text(ev model.Event, loc *time.Location) string {
	when := ev.Date
	if t, err := ev.Start(loc); err == nil {
		if !ev.DateOnly() && loc != nil {
			t = t.In(loc)
		}
		when = t.Format("Mon, Jan 2, 2006")
	}
	return fmt.Sprintf("%s - %s at %s", ev.Title, when, ev.VenueLabel())
}

// Result describes what a share did.
type Result struct {
	Platform Platform `json:"platform"`
	Link     string   `json:"link"`
	Text     string   `json:"text"`
	// ShareURL is the platform intent that was opened, if any.
	ShareURL string `json:"shareUrl,omitempty"`
	Copied   bool   `json:"copied"`
}

type Options struct {
	PublicURL string
	Location  *time.Location
	// Open launches a share intent URL. Copy writes the clipboard; it
	// defaults to the system clipboard.
	Open    func(url string) error
	Copy    func(text string) error
	Toaster notify.Toaster
}

type Sharer struct {
	publicURL string
	loc       *time.Location
	open      func(string) error
	copy      func(string) error
	toast     notify.Toaster
}

func New(opts Options) *Sharer {
	s := &Sharer{
		publicURL: opts.PublicURL,
		loc:       opts.Location,
		open:      opts.Open,
		copy:      opts.Copy,
		toast:     opts.Toaster,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.copy == nil {
		s.copy = clipboard.WriteAll
	}
	if s.toast == nil {
		s.toast = notify.Discard{}
	}
	return s
}

// Intent returns the platform share URL, or "" for platforms that share by
// copying the link.
func Intent(p Platform, link, text string) string {
	switch p {
	case Facebook:
		return "https://www.facebook.com/sharer/sharer.php?u=" + escape(link)
	case Twitter, X:
		return "https://twitter.com/intent/tweet?text=" + escape(text) +
			"&url=" + escape(link) + "&hashtags=" + hashtags
	case WhatsApp:
		return "https://wa.me/?text=" + escape(text+" "+link)
	default:
		return ""
	}
}

// escape encodes a query value with spaces as %20; some share targets show
// a literal "+".
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Share sends ev to platform. Unknown platforms copy the link.
func (s *Sharer) Share(ev model.Event, platform string) (Result, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(platform)))
	link := DeepLink(s.publicURL, ev.ID)
	res := Result{Platform: p, Link: link, Text: Text(ev, s.loc)}

	if intent := Intent(p, link, res.Text); intent != "" {
		res.ShareURL = intent
		if s.open == nil {
			return res, nil
		}
		if err := s.open(intent); err != nil {
			return res, fmt.Errorf("share: open %s: %w", p, err)
		}
		appLog.Info("share intent opened", "platform", p, "event_id", ev.ID)
		return res, nil
	}

	if err := s.copy(link); err != nil {
		appLog.Error("share: clipboard write failed", err, "event_id", ev.ID)
		return res, fmt.Errorf("share: copy link: %w", err)
	}
	res.Copied = true
	switch p {
	case Instagram, TikTok:
		s.toast.Toast(notify.ToastInfo, fmt.Sprintf("Link copied! Share it on %s", p))
	default:
		res.Platform = Copy
		s.toast.Toast(notify.ToastInfo, "Link copied to clipboard!")
	}
	return res, nil
}
