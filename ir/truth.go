package ir

// Truth reports whether node is "truthy": non-empty objects and strings,
// non-zero numbers and true.  Absent nodes are false.
func Truth(node *Node) bool {
	if node == nil {
		return false
	}
	switch node.Type {
	case ObjectType:
		return len(node.fields) != 0
	case StringType:
		return node.String != ""
	case NumberType:
		if node.Int64 != nil {
			return *node.Int64 != 0
		}
		if node.Float64 != nil {
			return *node.Float64 != 0.0
		}
		return false
	case BoolType:
		return node.Bool
	case NullType:
		return false
	default:
		panic("type")
	}
}
