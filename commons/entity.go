package commons

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

// Wikidata properties and items consulted for names and rights.
const (
	PropDigitalRepresentationOf = "P6243"
	PropTitle                   = "P1476"
	PropCopyrightStatus         = "P6216"
	PropCopyrightLicense        = "P275"
	PropOfficialWebsite         = "P856"

	ItemPublicDomain = "Q19652"

	// PublicDomainMark is the rights statement for public domain works.
	PublicDomainMark = "https://creativecommons.org/publicdomain/mark/1.0/"
)

// Entity is a Wikibase item or a MediaInfo (SDC) entity.
type Entity struct {
	ID         string                `json:"id"`
	Labels     map[string]labelValue `json:"labels"`
	Claims     statementMap          `json:"claims"`
	Statements statementMap          `json:"statements"`
	Missing    *json.RawMessage      `json:"missing,omitempty"`
}

type labelValue struct {
	Value string `json:"value"`
}

type statement struct {
	Mainsnak struct {
		Datavalue struct {
			Value json.RawMessage `json:"value"`
		} `json:"datavalue"`
	} `json:"mainsnak"`
}

// statementMap accepts the empty JSON array MediaWiki emits for entities
// without statements.
type statementMap map[string][]statement

func (m *statementMap) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("[]")) {
		*m = nil
		return nil
	}
	var raw map[string][]statement
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = raw
	return nil
}

// property returns the raw value of the first statement for prop. Items
// carry "claims", MediaInfo entities "statements".
func (e *Entity) property(prop string) json.RawMessage {
	if e == nil {
		return nil
	}
	set := e.Claims
	if len(set) == 0 {
		set = e.Statements
	}
	values := set[prop]
	if len(values) == 0 {
		return nil
	}
	return values[0].Mainsnak.Datavalue.Value
}

// itemProperty returns the item id a wikibase-entityid statement points at.
func (e *Entity) itemProperty(prop string) string {
	var v struct {
		ID string `json:"id"`
	}
	if raw := e.property(prop); raw == nil || json.Unmarshal(raw, &v) != nil {
		return ""
	}
	return v.ID
}

// textProperty returns the text of a monolingualtext statement.
func (e *Entity) textProperty(prop string) string {
	var v struct {
		Text string `json:"text"`
	}
	if raw := e.property(prop); raw == nil || json.Unmarshal(raw, &v) != nil {
		return ""
	}
	return v.Text
}

// stringProperty returns a plain string (url, external id) statement.
func (e *Entity) stringProperty(prop string) string {
	var v string
	if raw := e.property(prop); raw == nil || json.Unmarshal(raw, &v) != nil {
		return ""
	}
	return v
}

// Label returns the label in lang, or "".
func (e *Entity) Label(lang string) string {
	if e == nil {
		return ""
	}
	return e.Labels[lang].Value
}

// Entity fetches id through wbgetentities. Missing entities are nil, nil.
// Results are cached for a short while since one batch asks for the same
// license items over and over.
func (c *Client) Entity(ctx context.Context, id string) (*Entity, error) {
	if id == "" {
		return nil, nil
	}
	if e, ok := c.entities.Get(id); ok {
		return e, nil
	}
	var resp struct {
		Entities map[string]*Entity `json:"entities"`
	}
	if err := c.get(ctx, url.Values{"action": {"wbgetentities"}, "ids": {id}}, &resp); err != nil {
		return nil, err
	}
	e := resp.Entities[id]
	if e != nil && e.Missing != nil {
		e = nil
	}
	c.entities.Add(id, e)
	return e, nil
}

// StructuredData returns the MediaInfo entity of f.
func (c *Client) StructuredData(ctx context.Context, f *File) (*Entity, error) {
	return c.Entity(ctx, "M"+strconv.FormatInt(f.PageID, 10))
}

// depicted returns the item f is a digital representation of, if any.
func (c *Client) depicted(ctx context.Context, f *File) (*Entity, error) {
	sdc, err := c.StructuredData(ctx, f)
	if err != nil || sdc == nil {
		return nil, err
	}
	return c.Entity(ctx, sdc.itemProperty(PropDigitalRepresentationOf))
}

// Name picks the declaration name: the title of the depicted item, then
// its English label, then the file name without extension.
func (c *Client) Name(ctx context.Context, f *File) (string, error) {
	item, err := c.depicted(ctx, f)
	if err != nil {
		return "", fmt.Errorf("name for %s: %w", f.Title, err)
	}
	if name := item.textProperty(PropTitle); name != "" {
		return name, nil
	}
	if name := item.Label("en"); name != "" {
		return name, nil
	}
	name := f.FileName()
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name, nil
}

// RightsStatement returns the rights URL for the depicted item, falling
// back to the file's own structured data. Finding none is
// errs.KindMetadata.
func (c *Client) RightsStatement(ctx context.Context, f *File) (string, error) {
	item, err := c.depicted(ctx, f)
	if err != nil {
		return "", fmt.Errorf("rights for %s: %w", f.Title, err)
	}
	if item != nil {
		rights, err := c.rightsFor(ctx, item)
		if err != nil {
			return "", err
		}
		if rights != "" {
			return rights, nil
		}
	}
	sdc, err := c.StructuredData(ctx, f)
	if err != nil {
		return "", fmt.Errorf("rights for %s: %w", f.Title, err)
	}
	if sdc != nil {
		rights, err := c.rightsFor(ctx, sdc)
		if err != nil {
			return "", err
		}
		if rights != "" {
			return rights, nil
		}
	}
	return "", errs.Newf(errs.KindMetadata, "rights statement", "could not determine license for %q", f.Title)
}

func (c *Client) rightsFor(ctx context.Context, e *Entity) (string, error) {
	if e.itemProperty(PropCopyrightStatus) == ItemPublicDomain {
		return PublicDomainMark, nil
	}
	licenseID := e.itemProperty(PropCopyrightLicense)
	if licenseID == "" {
		return "", nil
	}
	license, err := c.Entity(ctx, licenseID)
	if err != nil {
		return "", fmt.Errorf("license %s: %w", licenseID, err)
	}
	website := license.stringProperty(PropOfficialWebsite)
	if website == "" {
		c.Logger.Debug("license has no official website", slog.String("license", licenseID))
	}
	return website, nil
}
