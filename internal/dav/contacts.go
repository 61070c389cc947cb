package dav

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	vcard "github.com/emersion/go-vcard"
	"github.com/hkdb/aerion/internal/model"
	"github.com/hkdb/aerion/internal/store"
)

// memberFieldNames are the vCard property names RFC 6350's CARDDAV group
// extension and Apple/Google's pre-standard field both use to list group
// membership (spec.md §4.2).
var memberFieldNames = []string{"MEMBER", "X-ADDRESSBOOKSERVER-MEMBER"}

// groupKindNames are the values that mark a vCard as a group carrier rather
// than a person (spec.md §4.2).
var groupKindNames = map[string]bool{"group": true}

// ParsedContact is the outcome of decoding one vCard resource: either a
// regular Contact, or a hidden carrier plus its ContactGroup projection.
type ParsedContact struct {
	Contact *model.Contact
	Group   *model.ContactGroup // non-nil only when Contact.Hidden (a carrier)
}

// ParseVCard decodes one address-object's raw vCard body into a Contact
// (and, if it is a group carrier, a ContactGroup). The unique id is the
// vCard UID, falling back to a hash of href when UID is absent (spec.md
// §4.2: "Unique id is the vCard UID or a fallback hash of the href").
func ParseVCard(accountID, bookID, href, etag string, card vcard.Card) (*ParsedContact, error) {
	uid := firstValue(card, "UID")
	if uid == "" {
		uid = hashHref(href)
	}

	isGroup := groupKindNames[strings.ToLower(firstValue(card, "KIND"))] ||
		groupKindNames[strings.ToLower(firstValue(card, "X-ADDRESSBOOKSERVER-KIND"))]

	c := &model.Contact{
		Base:   model.Base{ID: contactID(accountID, bookID, uid), AccountID: accountID},
		Name:   preferredFormattedName(card),
		Email:  firstValue(card, "EMAIL"),
		Source: model.ContactBookSourceCardDAV,
		Hidden: isGroup,
		BookID: bookID,
		ETag:   etag,
		Info:   model.ContactInfo{Href: href},
	}

	out := &ParsedContact{Contact: c}
	if isGroup {
		out.Group = &model.ContactGroup{
			Base:        model.Base{ID: groupID(accountID, bookID, uid), AccountID: accountID},
			Name:        c.Name,
			CarrierID:   c.ID,
			MemberUUIDs: groupMembers(card),
		}
	}
	return out, nil
}

// SaveParsedContact persists a ParsedContact, bumping the owning book's
// refcount bookkeeping is the caller's job. A group card's ContactGroup is
// saved right after its carrier Contact. The Scheduler calls this once per
// ingested card in the order the cards arrive, so groups are not deferred
// until after their member contacts.
func SaveParsedContact(tx *store.Tx, p *ParsedContact) error {
	if err := tx.SaveContact(p.Contact); err != nil {
		return fmt.Errorf("save contact: %w", err)
	}
	if p.Group != nil {
		if err := tx.SaveContactGroup(p.Group); err != nil {
			return fmt.Errorf("save contact group: %w", err)
		}
	}
	return nil
}

// EncodeVCard serializes a Contact back to vCard text for the write path
// (spec.md §4.2 write path).
func EncodeVCard(c *model.Contact) (string, error) {
	card := make(vcard.Card)
	card.Set("FN", &vcard.Field{Value: c.Name})
	if c.Email != "" {
		card.Add("EMAIL", &vcard.Field{Value: c.Email})
	}
	uid := c.ID
	card.Set("UID", &vcard.Field{Value: uid})
	vcard.ToV4(card)

	var buf bytes.Buffer
	if err := vcard.NewEncoder(&buf).Encode(card); err != nil {
		return "", fmt.Errorf("encode vcard: %w", err)
	}
	return buf.String(), nil
}

func preferredFormattedName(card vcard.Card) string {
	if fn := firstValue(card, "FN"); fn != "" {
		return fn
	}
	return firstValue(card, "N")
}

func firstValue(card vcard.Card, key string) string {
	fields := card[key]
	if len(fields) == 0 {
		return ""
	}
	return fields[0].Value
}

// groupMembers reads MEMBER/X-ADDRESSBOOKSERVER-MEMBER values and strips
// the urn:uuid: prefix Apple/Google both emit (spec.md §4.2: "UUID-prefix
// stripped").
func groupMembers(card vcard.Card) []string {
	var members []string
	for _, key := range memberFieldNames {
		for _, f := range card[key] {
			v := f.Value
			v = strings.TrimPrefix(v, "urn:uuid:")
			v = strings.TrimPrefix(v, "uuid:")
			if v != "" {
				members = append(members, v)
			}
		}
	}
	return members
}

func hashHref(href string) string {
	sum := sha256.Sum256([]byte(NormalizeHref(href)))
	return "href-" + hex.EncodeToString(sum[:])[:32]
}

func contactID(accountID, bookID, uid string) string {
	sum := sha256.Sum256([]byte(accountID + "\x00" + bookID + "\x00" + uid))
	return hex.EncodeToString(sum[:])
}

func groupID(accountID, bookID, uid string) string {
	sum := sha256.Sum256([]byte(accountID + "\x00" + bookID + "\x00group\x00" + uid))
	return hex.EncodeToString(sum[:])
}
