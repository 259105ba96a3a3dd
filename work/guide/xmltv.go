package guide

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"math"
	"time"

	"stb-proxy/work/logger"
)

const xmltvDocument = "xmltv"

type xmltvDoc struct {
	XMLName       xml.Name         `xml:"tv"`
	GeneratorName string           `xml:"generator-info-name,attr"`
	Channels      []xmltvChannel   `xml:"channel"`
	Programmes    []xmltvProgramme `xml:"programme"`
}

type xmltvChannel struct {
	ID          string `xml:"id,attr"`
	DisplayName string `xml:"display-name"`
}

type xmltvProgramme struct {
	Start    string `xml:"start,attr"`
	Stop     string `xml:"stop,attr"`
	Channel  string `xml:"channel,attr"`
	Title    string `xml:"title"`
	Desc     string `xml:"desc,omitempty"`
	Category string `xml:"category,omitempty"`
}

// XMLTV renders the programme guide for the published channels. Programme
// times are written as the portal's UTC wall clock labelled with the source's
// EPG offset.
func (b *Builder) XMLTV(ctx context.Context, opts Options) ([]byte, error) {
	if b.cache != nil {
		if body, ok := b.cache.GetDocument(xmltvDocument); ok {
			logger.Debug("{guide/xmltv - XMLTV} Serving cached guide")
			return body, nil
		}
	}

	cats, err := b.catalogs(ctx, true, opts.EPGPeriodHours)
	if err != nil {
		return nil, err
	}

	doc := xmltvDoc{GeneratorName: "STB-Proxy"}
	for _, cat := range cats {
		suffix := offsetSuffix(cat.Source.EPGOffset)
		list := entries([]*Catalog{cat}, opts)
		sortEntries(list, opts)
		for _, e := range list {
			doc.Channels = append(doc.Channels, xmltvChannel{ID: e.EPGID, DisplayName: e.Name})
			for _, p := range cat.Programmes[e.ChannelID] {
				doc.Programmes = append(doc.Programmes, xmltvProgramme{
					Start:    xmltvTime(p.Start, suffix),
					Stop:     xmltvTime(p.Stop, suffix),
					Channel:  e.EPGID,
					Title:    p.Title,
					Desc:     p.Description,
					Category: p.Category,
				})
			}
		}
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode xmltv: %w", err)
	}

	body := buf.Bytes()
	if b.cache != nil {
		b.cache.SetDocument(xmltvDocument, body)
	}
	logger.Info("{guide/xmltv - XMLTV} Generated guide with %d channels and %d programmes", len(doc.Channels), len(doc.Programmes))
	return body, nil
}

func xmltvTime(t time.Time, suffix string) string {
	return t.UTC().Format("20060102150405") + " " + suffix
}

// offsetSuffix formats an offset in hours as an XMLTV zone, e.g. 5.5 as
// "+0530".
func offsetSuffix(hours float64) string {
	sign := "+"
	if hours < 0 {
		sign = "-"
		hours = -hours
	}
	h := int(hours)
	m := int(math.Round((hours - float64(h)) * 60))
	return fmt.Sprintf("%s%02d%02d", sign, h, m)
}
