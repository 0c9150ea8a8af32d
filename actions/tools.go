package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deskflowhq/deskflow/tools"
)

// RegisterTools wires the catalogue's tool implementations, backed by the
// given ERP store, into a registry under their catalogue titles.
func RegisterTools(registry *tools.Registry, store *ERPStore) error {
	if registry == nil {
		return errors.New("actions: registry is required")
	}
	if store == nil {
		return errors.New("actions: erp store is required")
	}

	for _, entry := range []struct {
		action Action
		build  func() tools.Tool
	}{
		{mustAction(ActionReadERPInfo), func() tools.Tool { return NewReadERPInfoTool(store) }},
		{mustAction(ActionUpdateERPInfo), func() tools.Tool { return NewUpdateERPInfoTool(store) }},
		{mustAction(ActionLookupOrder), func() tools.Tool { return NewLookupOrderTool(store) }},
		{mustAction(ActionProcessRefund), func() tools.Tool { return NewProcessRefundTool(store) }},
	} {
		build := entry.build
		if err := registry.Register(entry.action.Title, entry.action.Description, func() tools.Tool { return build() }); err != nil {
			return err
		}
	}
	return nil
}

func mustAction(id string) Action {
	action, ok := ByID(id)
	if !ok {
		panic(fmt.Sprintf("actions: unknown action id %q", id))
	}
	return action
}

// NewReadERPInfoTool reads a customer's address and document id by email.
func NewReadERPInfoTool(store *ERPStore) tools.Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"emailId": map[string]any{"type": "string", "description": "Customer email address."},
		},
		"required": []string{"emailId"},
	}
	return tools.NewFuncTool("read_erp_info", mustAction(ActionReadERPInfo).Description, schema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				EmailID string `json:"emailId"`
			}
			if err := json.Unmarshal(args, &in); err != nil || in.EmailID == "" {
				return nil, errors.New("emailId is required")
			}
			address, err := store.CustomerAddress(ctx, in.EmailID)
			if err != nil {
				return nil, err
			}
			documentID, err := store.CustomerDocumentID(ctx, in.EmailID)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"emailId":    in.EmailID,
				"address":    address,
				"documentId": documentID,
			}, nil
		})
}

// NewUpdateERPInfoTool updates a customer's address or document id.
func NewUpdateERPInfoTool(store *ERPStore) tools.Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"emailId":    map[string]any{"type": "string", "description": "Customer email address."},
			"address":    map[string]any{"type": "string", "description": "New postal address, if changing."},
			"documentId": map[string]any{"type": "string", "description": "New document id, if changing."},
		},
		"required": []string{"emailId"},
	}
	return tools.NewFuncTool("update_erp_info", mustAction(ActionUpdateERPInfo).Description, schema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				EmailID    string `json:"emailId"`
				Address    string `json:"address"`
				DocumentID string `json:"documentId"`
			}
			if err := json.Unmarshal(args, &in); err != nil || in.EmailID == "" {
				return nil, errors.New("emailId is required")
			}
			if in.Address == "" && in.DocumentID == "" {
				return nil, errors.New("nothing to update: provide address or documentId")
			}
			updated := map[string]any{"emailId": in.EmailID}
			if in.Address != "" {
				if err := store.UpdateCustomerAddress(ctx, in.EmailID, in.Address); err != nil {
					return nil, err
				}
				updated["address"] = in.Address
			}
			if in.DocumentID != "" {
				if err := store.UpdateCustomerDocumentID(ctx, in.EmailID, in.DocumentID); err != nil {
					return nil, err
				}
				updated["documentId"] = in.DocumentID
			}
			updated["status"] = "updated"
			return updated, nil
		})
}

// NewLookupOrderTool looks up an order by id.
func NewLookupOrderTool(store *ERPStore) tools.Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"orderId": map[string]any{"type": "string", "description": "Order id."},
		},
		"required": []string{"orderId"},
	}
	return tools.NewFuncTool("lookup_order", mustAction(ActionLookupOrder).Description, schema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				OrderID string `json:"orderId"`
			}
			if err := json.Unmarshal(args, &in); err != nil || in.OrderID == "" {
				return nil, errors.New("orderId is required")
			}
			return store.Order(ctx, in.OrderID)
		})
}

// NewProcessRefundTool records a refund for an order. The calling agent is
// instructed to obtain a customer confirmation interrupt first; the tool
// itself only talks to the backend.
func NewProcessRefundTool(store *ERPStore) tools.Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"orderId": map[string]any{"type": "string", "description": "Order id to refund."},
			"reason":  map[string]any{"type": "string", "description": "Customer-stated refund reason."},
		},
		"required": []string{"orderId"},
	}
	return tools.NewFuncTool("process_refund", mustAction(ActionProcessRefund).Description, schema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				OrderID string `json:"orderId"`
				Reason  string `json:"reason"`
			}
			if err := json.Unmarshal(args, &in); err != nil || in.OrderID == "" {
				return nil, errors.New("orderId is required")
			}
			refundID, err := store.ProcessRefund(ctx, in.OrderID, in.Reason)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"refundId": refundID,
				"orderId":  in.OrderID,
				"status":   "processed",
			}, nil
		})
}
