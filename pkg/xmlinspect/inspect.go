// Package xmlinspect extracts routing metadata from fiscal XML payloads:
// document kind, access key, emission date and the Entrada/Saída direction
// relative to a company. Documents arrive from the API with inconsistent
// namespace usage, so every lookup matches local element names only.
package xmlinspect

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/mvbarbosa/siegsync/pkg/fiscal"
)

// Kind classifies the root element of a fiscal XML.
type Kind string

const (
	KindNFe      Kind = "NFe"
	KindCTe      Kind = "CTe"
	KindEventNFe Kind = "EventoNFe"
	KindEventCTe Kind = "EventoCTe"
)

// IsEvent reports whether the payload is a fiscal event rather than a
// document.
func (k Kind) IsEvent() bool { return k == KindEventNFe || k == KindEventCTe }

// DocType returns the archive bucket the payload belongs to.
func (k Kind) DocType() fiscal.DocType {
	if k == KindCTe || k == KindEventCTe {
		return fiscal.DocTypeCTe
	}
	return fiscal.DocTypeNFe
}

var (
	ErrNotXML           = errors.New("payload is not well-formed XML")
	ErrUnrecognizedRoot = errors.New("unrecognized XML root")
	ErrMissingKey       = errors.New("access key not found in XML")
	ErrMissingDate      = errors.New("emission date not found in XML")
)

// Info is the metadata extracted from one payload.
type Info struct {
	Kind Kind

	// Key is the document access key, or the event identifier (event
	// type + referenced key + sequence) for events.
	Key string

	// OriginalKey is the access key of the document an event refers to.
	// Empty for plain documents.
	OriginalKey string

	// EventType is the tpEvento code. Empty for plain documents.
	EventType string

	IssuedAt  time.Time
	Direction fiscal.Direction
}

// IsCancelEvent reports whether the payload is a cancellation event.
func (i *Info) IsCancelEvent() bool {
	return i.Kind.IsEvent() && fiscal.IsCancelEvent(i.EventType)
}

// Year and Month of emission, used for archive placement.
func (i *Info) Year() int         { return i.IssuedAt.Year() }
func (i *Info) Month() time.Month { return i.IssuedAt.Month() }

// Inspect parses the XML and derives its placement metadata. companyCNPJ
// must already be normalized; it anchors the direction decision.
func Inspect(payload []byte, companyCNPJ string) (*Info, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotXML, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, ErrNotXML
	}

	switch root.Tag {
	case "nfeProc", "NFe":
		return inspectNFe(root, companyCNPJ)
	case "cteProc", "CTe":
		return inspectCTe(root, companyCNPJ)
	case "procEventoNFe":
		return inspectEvent(root, KindEventNFe)
	case "procEventoCTe":
		return inspectEvent(root, KindEventCTe)
	}
	return nil, fmt.Errorf("%w: <%s>", ErrUnrecognizedRoot, root.Tag)
}

func inspectNFe(root *etree.Element, cnpj string) (*Info, error) {
	inf := findLocal(root, "infNFe")
	if inf == nil {
		return nil, fmt.Errorf("%w: nfeProc without infNFe", ErrMissingKey)
	}

	info := &Info{Kind: KindNFe}
	info.Key = stripIDPrefix(inf.SelectAttrValue("Id", ""), "NFe")
	if info.Key == "" {
		return nil, fmt.Errorf("%w: infNFe Id %q", ErrMissingKey, inf.SelectAttrValue("Id", ""))
	}

	issued, err := parseEmissionDate(textOfLocal(inf, "dhEmi"))
	if err != nil {
		return nil, err
	}
	info.IssuedAt = issued

	emit := normalizedPartyCNPJ(inf, "emit")
	dest := normalizedPartyCNPJ(inf, "dest")
	switch {
	case dest != "" && dest == cnpj:
		info.Direction = fiscal.DirectionEntrada
	case emit != "" && emit == cnpj:
		info.Direction = fiscal.DirectionSaida
	default:
		info.Direction = fiscal.DirectionUnknown
	}
	return info, nil
}

func inspectCTe(root *etree.Element, cnpj string) (*Info, error) {
	inf := findLocal(root, "infCte")
	if inf == nil {
		return nil, fmt.Errorf("%w: cteProc without infCte", ErrMissingKey)
	}

	info := &Info{Kind: KindCTe}
	info.Key = stripIDPrefix(inf.SelectAttrValue("Id", ""), "CTe")
	if info.Key == "" {
		return nil, fmt.Errorf("%w: infCte Id %q", ErrMissingKey, inf.SelectAttrValue("Id", ""))
	}

	issued, err := parseEmissionDate(textOfLocal(inf, "dhEmi"))
	if err != nil {
		return nil, err
	}
	info.IssuedAt = issued

	emit := normalizedPartyCNPJ(inf, "emit")
	dest := normalizedPartyCNPJ(inf, "dest")
	rem := normalizedPartyCNPJ(inf, "rem")
	exped := normalizedPartyCNPJ(inf, "exped")
	receb := normalizedPartyCNPJ(inf, "receb")
	toma := tomadorCNPJ(inf, rem, exped, receb, dest)

	// The service taker wins, then the emitter, then the remaining
	// parties in decreasing confidence.
	switch {
	case toma != "" && toma == cnpj:
		info.Direction = fiscal.DirectionEntrada
	case emit != "" && emit == cnpj:
		info.Direction = fiscal.DirectionSaida
	case dest != "" && dest == cnpj:
		info.Direction = fiscal.DirectionEntrada
	case rem != "" && rem == cnpj:
		info.Direction = fiscal.DirectionSaida
	case exped != "" && exped == cnpj:
		info.Direction = fiscal.DirectionSaida
	case receb != "" && receb == cnpj:
		info.Direction = fiscal.DirectionEntrada
	default:
		info.Direction = fiscal.DirectionUnknown
	}
	return info, nil
}

// tomadorCNPJ resolves the CTe service taker. toma3 points at one of the
// other parties by code; toma4 carries its own CNPJ (or CPF).
func tomadorCNPJ(inf *etree.Element, rem, exped, receb, dest string) string {
	ide := findLocal(inf, "ide")
	if ide == nil {
		return ""
	}
	if toma3 := findLocal(ide, "toma3"); toma3 != nil {
		switch textOfLocal(toma3, "toma") {
		case "0":
			return rem
		case "1":
			return exped
		case "2":
			return receb
		case "3":
			return dest
		}
	}
	if toma4 := findLocal(ide, "toma4"); toma4 != nil {
		if v := textOfLocal(toma4, "CNPJ"); v != "" {
			if norm, err := fiscal.NormalizeCNPJ(v); err == nil {
				return norm
			}
		}
		if v := textOfLocal(toma4, "CPF"); v != "" {
			return v
		}
	}
	return ""
}

func inspectEvent(root *etree.Element, kind Kind) (*Info, error) {
	inf := findLocal(root, "infEvento")
	if inf == nil {
		return nil, fmt.Errorf("%w: %s without infEvento", ErrMissingKey, root.Tag)
	}

	info := &Info{Kind: kind}
	info.Key = stripIDPrefix(inf.SelectAttrValue("Id", ""), "ID")
	if info.Key == "" {
		info.Key = stripIDPrefix(root.SelectAttrValue("Id", ""), "ID")
	}
	if info.Key == "" {
		return nil, fmt.Errorf("%w: event Id missing", ErrMissingKey)
	}

	refTag := "chNFe"
	if kind == KindEventCTe {
		refTag = "chCTe"
	}
	info.OriginalKey = textOfLocal(inf, refTag)
	info.EventType = textOfLocal(inf, "tpEvento")

	issued, err := parseEmissionDate(textOfLocal(inf, "dhEvento"))
	if err != nil {
		return nil, err
	}
	info.IssuedAt = issued
	info.Direction = eventDirection(kind, info.OriginalKey)
	return info, nil
}

// eventDirection guesses a direction from the referenced document's model
// digits. NFe model 55 defaults to Saída and NFCe (65) to Entrada. CTe
// events stay undirected; placement follows the original document.
func eventDirection(kind Kind, originalKey string) fiscal.Direction {
	if kind != KindEventNFe || len(originalKey) != fiscal.KeyLength {
		return fiscal.DirectionUnknown
	}
	switch originalKey[20:22] {
	case fiscal.ModelNFe:
		return fiscal.DirectionSaida
	case fiscal.ModelNFCe:
		return fiscal.DirectionEntrada
	}
	return fiscal.DirectionUnknown
}

// findLocal walks the tree depth-first for the first element whose local
// name matches tag.
func findLocal(el *etree.Element, tag string) *etree.Element {
	for _, child := range el.ChildElements() {
		if child.Tag == tag {
			return child
		}
		if found := findLocal(child, tag); found != nil {
			return found
		}
	}
	return nil
}

func textOfLocal(el *etree.Element, tag string) string {
	found := findLocal(el, tag)
	if found == nil {
		return ""
	}
	return strings.TrimSpace(found.Text())
}

func normalizedPartyCNPJ(inf *etree.Element, party string) string {
	node := findLocal(inf, party)
	if node == nil {
		return ""
	}
	raw := textOfLocal(node, "CNPJ")
	if raw == "" {
		return ""
	}
	norm, err := fiscal.NormalizeCNPJ(raw)
	if err != nil {
		return ""
	}
	return norm
}

func stripIDPrefix(id, prefix string) string {
	if len(id) > len(prefix) && strings.EqualFold(id[:len(prefix)], prefix) {
		return id[len(prefix):]
	}
	return ""
}

// parseEmissionDate accepts RFC 3339 timestamps with or without a zone
// offset.
func parseEmissionDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, ErrMissingDate
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrMissingDate, s)
}
