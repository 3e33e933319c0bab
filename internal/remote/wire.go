package remote

// request is the envelope posted to the portal proxy.
type request struct {
	ServiceContract string       `json:"serviceContract"`
	ServiceMethod   string       `json:"serviceMethod"`
	MethodParams    methodParams `json:"methodParams"`
}

type methodParams struct {
	TypeLibelle         string   `json:"typeLibelle"`
	Language            string   `json:"language"`
	IDGenCaisse         string   `json:"IdGenCaisse"`
	IDGenPosteTechnique string   `json:"IdGenPosteTechnique"`
	IDComLangue         string   `json:"IdComLangue"`
	IDComSaison         string   `json:"IdComSaison"`
	NoEcole             string   `json:"NoEcole"`
	CodeUC              string   `json:"CodeUc"`
	CodeApplication     string   `json:"CodeApplication"`
	IDTecMoniteurList   []string `json:"idTecMoniteurList"`
	DateHeureDebut      string   `json:"dateHeureDebut"`
	DateHeureFin        string   `json:"dateHeureFin"`
	DateReferenceDelta  *string  `json:"dateReferenceDelta"`
}

// Response is the decoded schedule listing. Paging fields are reported by
// the portal but a single page carries the whole window.
type Response struct {
	Page       int        `json:"Page"`
	Pages      int        `json:"Pages"`
	Total      int        `json:"Total"`
	ServerTime string     `json:"ServerTime"`
	Items      []RawEntry `json:"Items"`
}

// RawEntry is one schedule item as sent by the portal. Only the fields the
// cache keeps are decoded.
type RawEntry struct {
	ID        int64  `json:"ih"`
	PostCode  string `json:"cp"`
	PostLabel string `json:"lp"`

	// Vendor date tokens, e.g. "/Date(1741158000000+0100)/".
	Start string `json:"dd"`
	End   string `json:"df"`

	PrestationType *string `json:"ctp"`
	Location       *string `json:"llr"`
	Activity       *string `json:"ls"`
	Level          *string `json:"lne"`
	Language       *string `json:"lle"`
	StudentCount   *int    `json:"nl"`
	Comment        *string `json:"cm"`
	MonitorComment *string `json:"cmmono"`
	MonitorID      *int64  `json:"im"`
	Modified       *string `json:"dm"`
}
