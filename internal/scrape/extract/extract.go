// Package extract turns rendered venue markup into person and shift candidates.
//
// Extraction is a pure function of the markup, the venue's selector set and the
// reference day. Missing elements are reported through ok flags, never errors.
package extract

import (
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"shiftboard/internal/scrape"
	"shiftboard/internal/venue"
)

const dateLayout = "2006-01-02"

// Result is the outcome of one extraction.
type Result struct {
	People []scrape.PersonCandidate
	Shifts []scrape.ShiftCandidate

	// ContainerFound is false when the schedule container was missing; the
	// caller logs that as a warning and continues with empty lists.
	ContainerFound bool
}

// Extract parses markup with the venue's selectors. today anchors the date
// sequence; only its calendar day is used.
func Extract(markup string, v venue.Venue, today time.Time) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return Result{}, err
	}
	v = venue.Normalize(v)
	sel := v.Selectors

	container := doc.Find(sel.ScheduleContainer).First()
	if container.Length() == 0 {
		return Result{}, nil
	}

	dates := DateSequence(today, v.Options.LookaheadDays)
	base, _ := url.Parse(v.URL)

	var res Result
	res.ContainerFound = true
	seen := make(map[string]int)

	container.Find(sel.DateSection).EachWithBreak(func(i int, section *goquery.Selection) bool {
		if i >= len(dates) {
			return false
		}
		date := dates[i]
		section.Find(sel.PersonName).Each(func(_ int, person *goquery.Selection) {
			name := strings.TrimSpace(person.Text())
			if name == "" {
				return
			}
			block := adjoining(person, sel.PersonName)

			photo := ""
			if img, ok := first(photoScope(person, sel.PersonName, sel.PersonImage), sel.PersonImage); ok {
				photo = imageURL(img, base)
			}
			if idx, dup := seen[name]; dup {
				if res.People[idx].PhotoURL == "" {
					res.People[idx].PhotoURL = photo
				}
			} else {
				seen[name] = len(res.People)
				res.People = append(res.People, scrape.PersonCandidate{Name: name, PhotoURL: photo})
			}

			t, ok := first(block, sel.TimeRange)
			if !ok {
				return
			}
			text := strings.TrimSpace(t.Text())
			if text == "" {
				return
			}
			start, end := ParseRange(text, v.OpenTime, v.CloseTime)
			res.Shifts = append(res.Shifts, scrape.ShiftCandidate{
				PersonName: name,
				Date:       date,
				StartTime:  start,
				EndTime:    end,
				ShiftType:  "regular",
			})
		})
		return true
	})
	return res, nil
}

// DateSequence returns n consecutive days starting at today, formatted YYYY-MM-DD.
func DateSequence(today time.Time, n int) []string {
	if n <= 0 {
		n = venue.DefaultLookaheadDays
	}
	day := time.Date(today.Year(), today.Month(), today.Day(), 12, 0, 0, 0, today.Location())
	out := make([]string, n)
	for i := range out {
		out[i] = day.AddDate(0, 0, i).Format(dateLayout)
	}
	return out
}

// adjoining returns the elements that belong to person: its enclosing block,
// or, when that block is shared by several people, the siblings that follow
// person up to the next one.
func adjoining(person *goquery.Selection, personSel string) *goquery.Selection {
	parent := person.Parent()
	if parent.Find(personSel).Length() <= 1 {
		return parent
	}
	return person.NextUntil(personSel)
}

// photoScope is adjoining for images. A shared block may put each photo before
// its name instead of after it; that layout is recognised by an image ahead of
// the block's first person, and then the preceding siblings are searched.
func photoScope(person *goquery.Selection, personSel, imgSel string) *goquery.Selection {
	people := person.Parent().Find(personSel)
	if people.Length() <= 1 {
		return person.Parent()
	}
	if _, lead := first(people.First().PrevAll(), imgSel); lead {
		return person.PrevUntil(personSel)
	}
	return person.NextUntil(personSel)
}

// first finds the first element in scope matching selector, either the scope
// element itself or a descendant.
func first(scope *goquery.Selection, selector string) (*goquery.Selection, bool) {
	if scope == nil || scope.Length() == 0 {
		return nil, false
	}
	if m := scope.Filter(selector); m.Length() > 0 {
		return m.First(), true
	}
	if m := scope.Find(selector); m.Length() > 0 {
		return m.First(), true
	}
	return nil, false
}

func imageURL(img *goquery.Selection, base *url.URL) string {
	raw, _ := img.Attr("src")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw, _ = img.Attr("data-src")
		raw = strings.TrimSpace(raw)
	}
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if ref.IsAbs() || base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
