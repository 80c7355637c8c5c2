package report

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

type xmlDescriptor struct {
	XMLName        xml.Name  `xml:"ReportDescriptor"`
	DescriptorType string    `xml:"descriptorType,attr"`
	ReportType     string    `xml:"reportType,attr,omitempty"`
	Props          []xmlProp `xml:"Prop"`
}

type xmlProp struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// MarshalXML writes the descriptor as a ReportDescriptor element with one
// Prop element per value. Identity fields are stored separately.
func (d *Descriptor) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	x := xmlDescriptor{DescriptorType: d.DescriptorType, ReportType: d.ReportType}
	for _, p := range d.props {
		for _, v := range p.values {
			x.Props = append(x.Props, xmlProp{Name: string(p.key), Value: v})
		}
	}
	return e.Encode(x)
}

// UnmarshalXML reads a ReportDescriptor element
func (d *Descriptor) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	var x xmlDescriptor
	if err := dec.DecodeElement(&x, &start); err != nil {
		return err
	}
	if x.DescriptorType == "" {
		return fmt.Errorf("descriptorType attribute is required")
	}
	d.DescriptorType = x.DescriptorType
	d.ReportType = x.ReportType
	if d.ReportType == "" {
		d.ReportType = reportTypeFor(x.DescriptorType)
	}
	d.props = nil
	for _, p := range x.Props {
		d.Add(PropKey(p.Name), p.Value)
	}
	return nil
}

// ToXML serializes the descriptor
func (d *Descriptor) ToXML() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("failed to serialize report descriptor: %w", err)
	}
	return buf.Bytes(), nil
}

// FromXML parses a serialized descriptor
func FromXML(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := xml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse report descriptor: %w", err)
	}
	return &d, nil
}
