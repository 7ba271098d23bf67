package describe

import (
	"bytes"
	"encoding/xml"
	"strings"

	"github.com/codefionn/netcore/internal/service"
	"github.com/codefionn/netcore/internal/soap"
)

const (
	nsWSDL     = "http://schemas.xmlsoap.org/wsdl/"
	nsWSDLSOAP = "http://schemas.xmlsoap.org/wsdl/soap/"
	nsXSD      = "http://www.w3.org/2001/XMLSchema"
	httpSOAP   = "http://schemas.xmlsoap.org/soap/http"
)

type definitions struct {
	XMLName  xml.Name    `xml:"definitions"`
	Name     string      `xml:"name,attr"`
	Target   string      `xml:"targetNamespace,attr"`
	XMLNS    string      `xml:"xmlns,attr"`
	SOAP     string      `xml:"xmlns:soap,attr"`
	TNS      string      `xml:"xmlns:tns,attr"`
	XSD      string      `xml:"xmlns:xsd,attr"`
	Schema   xsdSchema   `xml:"types>xsd:schema"`
	Messages []message   `xml:"message"`
	PortType portType    `xml:"portType"`
	Binding  binding     `xml:"binding"`
	Service  wsdlService `xml:"service"`
}

type xsdSchema struct {
	Target   string       `xml:"targetNamespace,attr"`
	Form     string       `xml:"elementFormDefault,attr"`
	Elements []xsdElement `xml:"xsd:element"`
}

type xsdElement struct {
	Name      string        `xml:"name,attr"`
	Type      string        `xml:"type,attr,omitempty"`
	MinOccurs string        `xml:"minOccurs,attr,omitempty"`
	Fields    *[]xsdElement `xml:"xsd:complexType>xsd:sequence>xsd:element"`
}

type message struct {
	Name string `xml:"name,attr"`
	Part struct {
		Name    string `xml:"name,attr"`
		Element string `xml:"element,attr"`
	} `xml:"part"`
}

type portType struct {
	Name       string          `xml:"name,attr"`
	Operations []portOperation `xml:"operation"`
}

type portOperation struct {
	Name          string `xml:"name,attr"`
	Documentation string `xml:"documentation,omitempty"`
	Input         ref    `xml:"input"`
	Output        ref    `xml:"output"`
}

type ref struct {
	Message string `xml:"message,attr"`
}

type binding struct {
	Name       string             `xml:"name,attr"`
	Type       string             `xml:"type,attr"`
	SOAP       soapBinding        `xml:"soap:binding"`
	Operations []bindingOperation `xml:"operation"`
}

type soapBinding struct {
	Style     string `xml:"style,attr"`
	Transport string `xml:"transport,attr"`
}

type bindingOperation struct {
	Name   string `xml:"name,attr"`
	Action struct {
		SOAPAction string `xml:"soapAction,attr"`
	} `xml:"soap:operation"`
	Input  literalBody `xml:"input"`
	Output literalBody `xml:"output"`
}

type literalBody struct {
	Body struct {
		Use string `xml:"use,attr"`
	} `xml:"soap:body"`
}

type wsdlService struct {
	Name string `xml:"name,attr"`
	Port struct {
		Name    string `xml:"name,attr"`
		Binding string `xml:"binding,attr"`
		Address struct {
			Location string `xml:"location,attr"`
		} `xml:"soap:address"`
	} `xml:"port"`
}

func xsdType(t service.ParamType) string {
	switch t {
	case service.TypeInteger:
		return "xsd:long"
	case service.TypeNumber:
		return "xsd:double"
	case service.TypeBoolean:
		return "xsd:boolean"
	case service.TypeObject:
		return "xsd:anyType"
	default:
		return "xsd:string"
	}
}

func xsdFields(params []service.Param) *[]xsdElement {
	fields := make([]xsdElement, 0, len(params))
	for _, p := range params {
		minOccurs := "0"
		if p.Required {
			minOccurs = "1"
		}
		fields = append(fields, xsdElement{Name: soap.ElementName(p.Name), Type: xsdType(p.Type), MinOccurs: minOccurs})
	}
	return &fields
}

// WSDL renders a WSDL 1.1 document with a document/literal SOAP binding.
// The endpoint location is Placeholder followed by rpcPath.
func WSDL(reg *service.Registry, rpcPath string) ([]byte, error) {
	name := reg.Name()
	target := soap.TargetNamespace(name)

	defs := definitions{
		Name:     name,
		Target:   target,
		XMLNS:    nsWSDL,
		SOAP:     nsWSDLSOAP,
		TNS:      target,
		XSD:      nsXSD,
		Schema:   xsdSchema{Target: target, Form: "qualified"},
		PortType: portType{Name: name + "PortType"},
		Binding: binding{
			Name: name + "Binding",
			Type: "tns:" + name + "PortType",
			SOAP: soapBinding{Style: "document", Transport: httpSOAP},
		},
		Service: wsdlService{Name: name},
	}
	defs.Service.Port.Name = name + "Port"
	defs.Service.Port.Binding = "tns:" + name + "Binding"
	defs.Service.Port.Address.Location = Placeholder + rpcPath

	for _, op := range reg.Operations() {
		opName := soap.ElementName(op.Name)
		defs.Schema.Elements = append(defs.Schema.Elements,
			xsdElement{Name: opName, Fields: xsdFields(op.Input)},
			xsdElement{Name: opName + "Response", Fields: xsdFields(op.Output)},
		)

		in := message{Name: opName + "Request"}
		in.Part.Name = "parameters"
		in.Part.Element = "tns:" + opName
		out := message{Name: opName + "Response"}
		out.Part.Name = "parameters"
		out.Part.Element = "tns:" + opName + "Response"
		defs.Messages = append(defs.Messages, in, out)

		defs.PortType.Operations = append(defs.PortType.Operations, portOperation{
			Name:          opName,
			Documentation: strings.TrimSpace(op.Summary),
			Input:         ref{Message: "tns:" + in.Name},
			Output:        ref{Message: "tns:" + out.Name},
		})

		bop := bindingOperation{Name: opName}
		bop.Action.SOAPAction = target + "#" + opName
		bop.Input.Body.Use = "literal"
		bop.Output.Body.Use = "literal"
		defs.Binding.Operations = append(defs.Binding.Operations, bop)
	}

	var b bytes.Buffer
	b.WriteString(xml.Header)
	enc := xml.NewEncoder(&b)
	enc.Indent("", "  ")
	if err := enc.Encode(defs); err != nil {
		return nil, err
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}
