package actions

// Tool-agent ids referenced by case-category configuration.
const (
	ActionReadERPInfo   = "ID_read_erp_info"
	ActionUpdateERPInfo = "ID_update_erp_info"
	ActionLookupOrder   = "ID_lookup_order"
	ActionProcessRefund = "ID_process_refund"
)

// Action is one catalogue entry: a pluggable tool-agent a case category may
// be configured with.
type Action struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Catalog returns the static list of available tool-agents, served by the
// action-list endpoint and used to resolve case-category action ids.
func Catalog() []Action {
	return []Action{
		{
			ID:          ActionReadERPInfo,
			Title:       "read_erp_info",
			Description: "Reads customer information (address, document id) from the ERP system by customer email.",
		},
		{
			ID:          ActionUpdateERPInfo,
			Title:       "update_erp_info",
			Description: "Updates customer information (address, document id) in the ERP system by customer email.",
		},
		{
			ID:          ActionLookupOrder,
			Title:       "lookup_order",
			Description: "Looks up an order by id: owner, status, and amount.",
		},
		{
			ID:          ActionProcessRefund,
			Title:       "process_refund",
			Description: "Processes a refund for an order. Requires prior customer confirmation.",
		},
	}
}

// ByID returns the catalogue entry for an action id.
func ByID(id string) (Action, bool) {
	for _, action := range Catalog() {
		if action.ID == id {
			return action, true
		}
	}
	return Action{}, false
}
