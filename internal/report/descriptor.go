package report

import (
	"strconv"
	"strings"
	"time"

	"github.com/LabKey/platform-sub050/internal/query"
)

// PropKey names a descriptor property
type PropKey string

const (
	PropReportName         PropKey = "reportName"
	PropReportDescription  PropKey = "reportDescription"
	PropSchemaName         PropKey = "schemaName"
	PropQueryName          PropKey = "queryName"
	PropViewName           PropKey = "viewName"
	PropDataRegionName     PropKey = "dataRegionName"
	PropFilterParam        PropKey = "filterParam"
	PropScript             PropKey = "script"
	PropScriptExtension    PropKey = "scriptExtension"
	PropScriptEngine       PropKey = "scriptEngine"
	PropCached             PropKey = "cached"
	PropRunInBackground    PropKey = "runInBackground"
	PropShareSession       PropKey = "shareSession"
	PropIncludedReports    PropKey = "includedReports"
	PropClientDependencies PropKey = "clientDependencies"
	PropColumnX            PropKey = "columnXName"
	PropColumnsY           PropKey = "columnsY"
	PropChartType          PropKey = "chartType"
	PropWidth              PropKey = "width"
	PropHeight             PropKey = "height"
	PropRedirectURL        PropKey = "redirectUrl"
	PropShowSection        PropKey = "showSection"
)

// arrayKeys are the properties holding a list of values
var arrayKeys = map[PropKey]bool{
	PropIncludedReports:    true,
	PropClientDependencies: true,
	PropColumnsY:           true,
	PropFilterParam:        true,
}

// IsArrayType reports whether the property holds a list of values
func (k PropKey) IsArrayType() bool {
	return arrayKeys[k]
}

type prop struct {
	key    PropKey
	values []string
}

// Descriptor is the persisted definition of a report: identity fields plus
// an ordered property map.
type Descriptor struct {
	ReportID        int64
	ContainerID     string
	OwnerID         int64 // 0 when shared
	CreatedBy       int64
	EntityID        string
	Flags           int
	Category        string
	DisplayOrder    int
	ContentModified time.Time
	Created         time.Time
	Modified        time.Time

	DescriptorType string
	ReportType     string

	props []prop
}

// NewDescriptor creates an empty descriptor of the given report type
func NewDescriptor(reportType string) *Descriptor {
	return &Descriptor{DescriptorType: descriptorTypeFor(reportType), ReportType: reportType}
}

func (d *Descriptor) find(key PropKey) int {
	for i, p := range d.props {
		if p.key == key {
			return i
		}
	}
	return -1
}

// Get returns a property's value. For array keys it returns the first value.
func (d *Descriptor) Get(key PropKey) string {
	if i := d.find(key); i >= 0 && len(d.props[i].values) > 0 {
		return d.props[i].values[0]
	}
	return ""
}

// GetList returns every value of a property
func (d *Descriptor) GetList(key PropKey) []string {
	if i := d.find(key); i >= 0 {
		return append([]string(nil), d.props[i].values...)
	}
	return nil
}

// Has reports whether the property is set
func (d *Descriptor) Has(key PropKey) bool {
	return d.find(key) >= 0
}

// Set replaces a property's value. An empty value removes a non-array property.
func (d *Descriptor) Set(key PropKey, value string) {
	if value == "" && !key.IsArrayType() {
		d.Remove(key)
		return
	}
	d.SetList(key, []string{value})
}

// SetList replaces a property's values. Non-array keys keep only the last value.
func (d *Descriptor) SetList(key PropKey, values []string) {
	if !key.IsArrayType() && len(values) > 1 {
		values = values[len(values)-1:]
	}
	values = append([]string(nil), values...)
	if i := d.find(key); i >= 0 {
		d.props[i].values = values
		return
	}
	d.props = append(d.props, prop{key: key, values: values})
}

// Add appends a value. Non-array keys are replaced instead.
func (d *Descriptor) Add(key PropKey, value string) {
	if !key.IsArrayType() {
		d.Set(key, value)
		return
	}
	if i := d.find(key); i >= 0 {
		d.props[i].values = append(d.props[i].values, value)
		return
	}
	d.props = append(d.props, prop{key: key, values: []string{value}})
}

// Remove deletes a property
func (d *Descriptor) Remove(key PropKey) {
	if i := d.find(key); i >= 0 {
		d.props = append(d.props[:i], d.props[i+1:]...)
	}
}

// Keys returns the property keys in insertion order
func (d *Descriptor) Keys() []PropKey {
	keys := make([]PropKey, len(d.props))
	for i, p := range d.props {
		keys[i] = p.key
	}
	return keys
}

// Properties returns the properties as a map. Array keys map to []string.
func (d *Descriptor) Properties() map[string]interface{} {
	out := make(map[string]interface{}, len(d.props))
	for _, p := range d.props {
		if p.key.IsArrayType() {
			out[string(p.key)] = append([]string(nil), p.values...)
		} else if len(p.values) > 0 {
			out[string(p.key)] = p.values[0]
		}
	}
	return out
}

// Clone returns a deep copy
func (d *Descriptor) Clone() *Descriptor {
	cp := *d
	cp.props = make([]prop, len(d.props))
	for i, p := range d.props {
		cp.props[i] = prop{key: p.key, values: append([]string(nil), p.values...)}
	}
	return &cp
}

// ReportName returns the display name
func (d *Descriptor) ReportName() string { return d.Get(PropReportName) }

// Script returns the script template
func (d *Descriptor) Script() string { return d.Get(PropScript) }

// SetScript sets the script template
func (d *Descriptor) SetScript(s string) { d.Set(PropScript, s) }

// Engine returns the configured engine name, if any
func (d *Descriptor) Engine() string { return d.Get(PropScriptEngine) }

// IsCached reports whether outputs are cached between renders
func (d *Descriptor) IsCached() bool { return boolProp(d.Get(PropCached)) }

// RunInBackground reports whether the report runs as a pipeline job
func (d *Descriptor) RunInBackground() bool { return boolProp(d.Get(PropRunInBackground)) }

// ShareSession reports whether runs reuse the caller's shared R session
func (d *Descriptor) ShareSession() bool { return boolProp(d.Get(PropShareSession)) }

// QuerySettings returns the data the report runs over. Filters are
// stored as column~eq=value entries.
func (d *Descriptor) QuerySettings() query.Settings {
	s := query.Settings{
		SchemaName:  d.Get(PropSchemaName),
		QueryName:   d.Get(PropQueryName),
		ViewName:    d.Get(PropViewName),
		ContainerID: d.ContainerID,
	}
	for _, f := range d.GetList(PropFilterParam) {
		if filter, ok := ParseFilter(f); ok {
			s.Filters = append(s.Filters, filter)
		}
	}
	return s
}

// HasQuery reports whether the report names a schema and query
func (d *Descriptor) HasQuery() bool {
	return d.Get(PropSchemaName) != "" && d.Get(PropQueryName) != ""
}

// ParseFilter parses column~op=value, or column=value for equality
func ParseFilter(s string) (query.Filter, bool) {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return query.Filter{}, false
	}
	column, op, _ := strings.Cut(name, "~")
	if op == "" {
		op = query.OpEqual
	}
	return query.Filter{Column: column, Op: op, Value: value}, true
}

// FormatFilter is the inverse of ParseFilter
func FormatFilter(f query.Filter) string {
	op := f.Op
	if op == "" {
		op = query.OpEqual
	}
	return f.Column + "~" + op + "=" + f.Value
}

func boolProp(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}
