package fiscal

// DocType identifies the class of fiscal document handled by the pipeline.
type DocType string

const (
	DocTypeNFe DocType = "NFe"
	DocTypeCTe DocType = "CTe"
)

// DocTypes lists the document types processed each cycle, in processing
// order.
var DocTypes = []DocType{DocTypeNFe, DocTypeCTe}

// XMLTypeCode returns the numeric TipoXml code used by the XML download
// and event endpoints (NFe=1, CTe=2).
func (d DocType) XMLTypeCode() int {
	if d == DocTypeCTe {
		return 2
	}
	return 1
}

// ReportTypeCode returns the numeric code used by the spreadsheet report
// endpoint, which has its own numbering (NFe=2, CTe=4).
func (d DocType) ReportTypeCode() int {
	if d == DocTypeCTe {
		return 4
	}
	return 2
}

func (d DocType) String() string { return string(d) }

// Role is the position a company occupies on a document.
type Role string

const (
	RoleEmitente     Role = "Emitente"
	RoleDestinatario Role = "Destinatario"
	RoleTomador      Role = "Tomador"
)

// APIField returns the SIEG request field that filters by this role.
func (r Role) APIField() string {
	switch r {
	case RoleDestinatario:
		return "CnpjDest"
	case RoleTomador:
		return "CnpjTom"
	default:
		return "CnpjEmit"
	}
}

func (r Role) String() string { return string(r) }

// RolesFor returns the roles a company can hold on the given document
// type. Tomador only exists for CTe.
func RolesFor(d DocType) []Role {
	if d == DocTypeCTe {
		return []Role{RoleEmitente, RoleDestinatario, RoleTomador}
	}
	return []Role{RoleEmitente, RoleDestinatario}
}

// AllRoles is the full role iteration order used by the batch fetcher.
var AllRoles = []Role{RoleEmitente, RoleDestinatario, RoleTomador}

// Direction is the flow of a document relative to the company archive.
type Direction string

const (
	DirectionEntrada Direction = "Entrada"
	DirectionSaida   Direction = "Saída"
	// DirectionUnknown places the file directly under the type directory.
	DirectionUnknown Direction = ""
)

// Cancellation event codes. 110111 and 110112 cancel NFe documents,
// 610601 cancels CTe; some emitters reuse 110111 for CTe.
const (
	EventCancelNFe      = "110111"
	EventCancelSubstNFe = "110112"
	EventCancelCTe      = "610601"
)

// IsCancelEvent reports whether tpEvento identifies a cancellation.
func IsCancelEvent(code string) bool {
	switch code {
	case EventCancelNFe, EventCancelSubstNFe, EventCancelCTe:
		return true
	}
	return false
}
