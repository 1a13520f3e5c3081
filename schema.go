package ctrlkit

// Projection declares whether and how one state property appears in a
// derived projection. The zero value omits the property.
type Projection struct {
	include   bool
	transform func(any) any
}

// Omit excludes the property from the projection.
func Omit() Projection {
	return Projection{}
}

// Keep includes the property's raw value in the projection.
func Keep() Projection {
	return Projection{include: true}
}

// Derive includes the property after passing its value through fn.
func Derive(fn func(value any) any) Projection {
	return Projection{include: true, transform: fn}
}

// Included reports whether the projection keeps the property at all.
func (p Projection) Included() bool {
	return p.include
}

func (p Projection) project(value any) any {
	if p.transform != nil {
		return p.transform(value)
	}
	return deepCopyValue(value)
}

// PropertySchema carries the projection metadata for one state property.
type PropertySchema struct {
	// Persist controls the property's presence in the persistent
	// projection handed to storage collaborators.
	Persist Projection
	// Anonymous controls the property's presence in the anonymized
	// projection handed to telemetry collaborators.
	Anonymous Projection
}

// Schema maps each state property to its projection metadata. Properties
// absent from the schema are excluded from both projections.
type Schema map[string]PropertySchema

// GetPersistentState projects state through the schema's Persist
// metadata. Pure: neither argument is modified.
func GetPersistentState(state State, schema Schema) State {
	return projectState(state, schema, func(p PropertySchema) Projection { return p.Persist })
}

// GetAnonymizedState projects state through the schema's Anonymous
// metadata. Pure: neither argument is modified.
func GetAnonymizedState(state State, schema Schema) State {
	return projectState(state, schema, func(p PropertySchema) Projection { return p.Anonymous })
}

func projectState(state State, schema Schema, pick func(PropertySchema) Projection) State {
	result := make(State)
	for key, value := range state {
		property, declared := schema[key]
		if !declared {
			continue
		}
		projection := pick(property)
		if !projection.Included() {
			continue
		}
		result[key] = projection.project(value)
	}
	return result
}
