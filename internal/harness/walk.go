package harness

import (
	sitter "github.com/alexaandru/go-tree-sitter-bare"
)

// collectFacts walks the syntax tree recording function definitions and
// the call occurrences inside them. current is the enclosing function
// name, empty at file scope.
func collectFacts(node sitter.Node, src []byte, current string, facts *fileFacts) {
	switch node.Type() {
	case "function_definition":
		if name := declaredName(node.ChildByFieldName("declarator"), src); name != "" {
			if _, ok := facts.defs[name]; !ok {
				facts.defs[name] = nil
			}

			current = name
		}
	case "call_expression":
		if name := calledName(node.ChildByFieldName("function"), src); name != "" {
			facts.calls = append(facts.calls, name)

			if current != "" {
				facts.defs[current] = append(facts.defs[current], name)
			}
		}
	}

	for idx := range node.NamedChildCount() {
		collectFacts(node.NamedChild(idx), src, current, facts)
	}
}

// declaredName descends a declarator chain to the declared identifier.
func declaredName(node sitter.Node, src []byte) string {
	for !node.IsNull() {
		switch node.Type() {
		case "identifier", "field_identifier", "destructor_name", "operator_name":
			return nodeText(node, src)
		case "qualified_identifier":
			node = node.ChildByFieldName("name")
		default:
			next := node.ChildByFieldName("declarator")
			if next.IsNull() && node.NamedChildCount() > 0 {
				next = node.NamedChild(0)
			}

			node = next
		}
	}

	return ""
}

// calledName resolves a call target expression to its rightmost symbol.
// Member and qualified calls reduce to the member name; unresolvable
// targets return empty.
func calledName(node sitter.Node, src []byte) string {
	if node.IsNull() {
		return ""
	}

	switch node.Type() {
	case "identifier", "field_identifier":
		return nodeText(node, src)
	case "qualified_identifier", "template_function":
		return calledName(node.ChildByFieldName("name"), src)
	case "field_expression":
		return calledName(node.ChildByFieldName("field"), src)
	case "pointer_expression":
		return calledName(node.ChildByFieldName("argument"), src)
	case "parenthesized_expression":
		if node.NamedChildCount() > 0 {
			return calledName(node.NamedChild(0), src)
		}

		return ""
	default:
		return ""
	}
}

// nodeText extracts a node's source text.
func nodeText(node sitter.Node, src []byte) string {
	start := node.StartByte()
	end := node.EndByte()

	if start <= end && end <= uint(len(src)) {
		return string(src[start:end])
	}

	return ""
}
