// Package sdmxml decodes SDMX-ML 2.1 structure-specific documents (data
// structure definitions and codelists) into sdmx.DSD / sdmx.Codelist.
//
// Grounded on original_source/parser.py's SdmxParser, which walks the same
// DataStructureComponents / DimensionList / AttributeList / MeasureList
// shape via pysdmx. Go has no pysdmx equivalent in the retrieved pack, so
// this decodes the structure document directly with encoding/xml; since Go's
// xml struct tags match on local element name by default (no namespace
// prefix required in the tag), the same struct definitions work whether the
// document declares the SDMX 2.1 "structure" or "mutable structure"
// namespace.
package sdmxml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"eurostatpipeline/internal/sdmx"
)

var ErrDsdInvalid = sdmx.ErrDsdInvalid

type message struct {
	XMLName    xml.Name `xml:"Structure"`
	Structures struct {
		Codelists struct {
			Codelist []xmlCodelist `xml:"Codelist"`
		} `xml:"Codelists"`
		DataStructures struct {
			DataStructure []xmlDataStructure `xml:"DataStructure"`
		} `xml:"DataStructures"`
	} `xml:"Structures"`
}

type xmlText struct {
	Value string `xml:",chardata"`
}

type xmlRef struct {
	ID string `xml:"id,attr"`
}

type xmlCode struct {
	ID          string    `xml:"id,attr"`
	Name        []xmlText `xml:"Name"`
	Description []xmlText `xml:"Description"`
	Parent      *xmlRef   `xml:"Parent>Ref"`
}

type xmlCodelist struct {
	ID      string    `xml:"id,attr"`
	Version string    `xml:"version,attr"`
	Name    []xmlText `xml:"Name"`
	Code    []xmlCode `xml:"Code"`
}

type xmlRepresentation struct {
	Enumeration struct {
		Ref xmlRef `xml:"Ref"`
	} `xml:"Enumeration"`
}

type xmlDimension struct {
	ID                  string            `xml:"id,attr"`
	Position            string            `xml:"position,attr"`
	LocalRepresentation xmlRepresentation `xml:"LocalRepresentation"`
}

type xmlAttribute struct {
	ID                  string            `xml:"id,attr"`
	LocalRepresentation xmlRepresentation `xml:"LocalRepresentation"`
}

type xmlMeasure struct {
	ID string `xml:"id,attr"`
}

type xmlDataStructure struct {
	ID                      string    `xml:"id,attr"`
	Version                 string    `xml:"version,attr"`
	Name                    []xmlText `xml:"Name"`
	DataStructureComponents struct {
		DimensionList struct {
			Dimension     []xmlDimension `xml:"Dimension"`
			TimeDimension xmlDimension   `xml:"TimeDimension"`
		} `xml:"DimensionList"`
		AttributeList struct {
			Attribute []xmlAttribute `xml:"Attribute"`
		} `xml:"AttributeList"`
		MeasureList struct {
			PrimaryMeasure xmlMeasure `xml:"PrimaryMeasure"`
		} `xml:"MeasureList"`
	} `xml:"DataStructureComponents"`
}

func firstText(ts []xmlText) string {
	if len(ts) == 0 {
		return ""
	}
	return ts[0].Value
}

// ParseDSD decodes the first DataStructure in an SDMX-ML structure document.
func ParseDSD(r io.Reader) (*sdmx.DSD, error) {
	var msg message
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("sdmxml: decoding structure document: %w", err)
	}

	dsList := msg.Structures.DataStructures.DataStructure
	if len(dsList) == 0 {
		return nil, fmt.Errorf("%w: no DataStructure element found", ErrDsdInvalid)
	}
	ds := dsList[0]

	if ds.DataStructureComponents.DimensionList.TimeDimension.ID == "" {
		return nil, fmt.Errorf("%w: no TimeDimension declared for %s", ErrDsdInvalid, ds.ID)
	}

	dims := make([]sdmx.Dimension, 0, len(ds.DataStructureComponents.DimensionList.Dimension))
	for i, d := range ds.DataStructureComponents.DimensionList.Dimension {
		pos := i
		if p, err := strconv.Atoi(d.Position); err == nil {
			pos = p
		}
		dims = append(dims, sdmx.Dimension{
			ID:         d.ID,
			CodelistID: d.LocalRepresentation.Enumeration.Ref.ID,
			Position:   pos,
			DataType:   "String",
		})
	}

	attrs := make([]sdmx.Attribute, 0, len(ds.DataStructureComponents.AttributeList.Attribute))
	for _, a := range ds.DataStructureComponents.AttributeList.Attribute {
		attrs = append(attrs, sdmx.Attribute{
			ID:         a.ID,
			CodelistID: a.LocalRepresentation.Enumeration.Ref.ID,
			DataType:   "String",
		})
	}

	primaryMeasureID := ds.DataStructureComponents.MeasureList.PrimaryMeasure.ID
	if primaryMeasureID == "" {
		primaryMeasureID = "obs_value"
	}
	measures := []sdmx.Measure{{ID: primaryMeasureID, DataType: "Double"}}

	return sdmx.NewDSD(
		ds.ID,
		ds.Version,
		dims,
		attrs,
		measures,
		primaryMeasureID,
		ds.DataStructureComponents.DimensionList.TimeDimension.ID,
		nil,
	)
}

// ParseCodelist decodes the first Codelist in an SDMX-ML structure document.
func ParseCodelist(r io.Reader) (*sdmx.Codelist, error) {
	var msg message
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("sdmxml: decoding codelist document: %w", err)
	}

	clList := msg.Structures.Codelists.Codelist
	if len(clList) == 0 {
		return nil, fmt.Errorf("sdmxml: no Codelist element found")
	}
	xcl := clList[0]

	cl := &sdmx.Codelist{
		ID:      xcl.ID,
		Version: xcl.Version,
		Codes:   make(map[string]sdmx.Code, len(xcl.Code)),
	}
	for _, c := range xcl.Code {
		entry := sdmx.Code{
			Code:        c.ID,
			Label:       firstText(c.Name),
			Description: firstText(c.Description),
		}
		if c.Parent != nil {
			entry.ParentCode = c.Parent.ID
		}
		cl.Codes[c.ID] = entry
	}
	return cl, nil
}
