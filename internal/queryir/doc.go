// Package queryir is a small query representation for recorded trace
// events.
//
// A query selects the events of one run that match a filter:
//
//	queryir.Select{
//	    Filter: queryir.And{Predicates: []queryir.Predicate{
//	        queryir.Equals{Field: queryir.FieldComponent, Value: ir.IRString("heater")},
//	        queryir.In{Field: queryir.FieldKind, Values: []ir.IRValue{
//	            ir.IRString("transition"), ir.IRString("reset"),
//	        }},
//	        queryir.Between{Field: queryir.FieldClock, Min: ir.IRFloat(10)},
//	    }},
//	    Limit: 100,
//	}
//
// Query and Predicate are sealed: only types in this package implement
// them, so backends can switch over them exhaustively.
//
// Fields name trace columns. Text fields compare against ir.IRString,
// step and microstep against ir.IRInt, and clock against ir.IRInt or
// ir.IRFloat. Validate reports every violation; backends compile only
// valid queries.
//
// Results are always ordered by the event sequence number, whatever the
// filter.
package queryir
