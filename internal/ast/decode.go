package ast

import (
	"encoding/json"

	"github.com/ethdbg/edb/internal/model"
)

// DecodeNode turns one of solc's raw AST JSON objects into a
// model.ASTNode: any nested object carrying its own "nodeType" becomes
// a child node (recursively), any array is flattened into children in
// order, and everything else becomes an attribute. This generic
// decoding is what lets internal/ast's walker stay independent of
// solc's exact per-version node schema -- it only ever asks for named
// fields ("nodes", "body", "parameters", ...) it already expects by
// convention, never the full fixed grammar.
func DecodeNode(raw json.RawMessage) (*model.ASTNode, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return decodeValue(m), nil
}

func decodeValue(v interface{}) *model.ASTNode {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	n := &model.ASTNode{Attributes: make(map[string]interface{})}
	if id, ok := m["id"].(float64); ok {
		n.ID = int(id)
	}
	if nt, ok := m["nodeType"].(string); ok {
		n.NodeType = nt
	}
	if src, ok := m["src"].(string); ok {
		n.Src = src
	}

	for key, val := range m {
		switch key {
		case "id", "nodeType", "src":
			continue
		}
		switch vv := val.(type) {
		case map[string]interface{}:
			if child := decodeValue(vv); child != nil {
				n.Attributes[key] = child
				if _, hasType := vv["nodeType"]; hasType {
					n.Children = append(n.Children, child)
				}
			}
		case []interface{}:
			var children []*model.ASTNode
			for _, elem := range vv {
				if child := decodeValue(elem); child != nil {
					children = append(children, child)
				}
			}
			if children != nil {
				n.Attributes[key] = children
				n.Children = append(n.Children, children...)
			} else {
				n.Attributes[key] = vv
			}
		default:
			n.Attributes[key] = vv
		}
	}
	return n
}
