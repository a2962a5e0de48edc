package colorimetry

import (
	"errors"
	"io"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/nasa-jpl/colorlab/colorimeter"
)

// HeaderCards describes a measurement as FITS header cards
func HeaderCards(res colorimeter.Result, id colorimeter.Identity) []fitsio.Card {
	cards := []fitsio.Card{
		{Name: "INSTRUME", Value: id.Model, Comment: "instrument model"},
		{Name: "FIRMWARE", Value: id.Version, Comment: "firmware version"},
		{Name: "DATE", Value: time.Now().UTC().Format("2006-01-02T15:04:05"), Comment: "file creation time (UTC)"},
		{Name: "MEASTYPE", Value: res.Type.String(), Comment: "measurement mode"},
		{Name: "READINGS", Value: res.Readings, Comment: "readings averaged"},
		{Name: "CIE_X", Value: res.XYZ[0], Comment: "tristimulus X"},
		{Name: "CIE_Y", Value: res.XYZ[1], Comment: "tristimulus Y"},
		{Name: "CIE_Z", Value: res.XYZ[2], Comment: "tristimulus Z"},
	}
	if id.Serial != "" {
		cards = append(cards, fitsio.Card{Name: "SERIAL", Value: id.Serial, Comment: "instrument serial number"})
	}
	if sp := res.Spectrum; sp != nil {
		cards = append(cards,
			fitsio.Card{Name: "WLSHORT", Value: sp.WlShort, Comment: "first sample wavelength (nm)"},
			fitsio.Card{Name: "WLLONG", Value: sp.WlLong, Comment: "last sample wavelength (nm)"},
			fitsio.Card{Name: "WLSTEP", Value: sp.Step(), Comment: "sample spacing (nm)"},
			fitsio.Card{Name: "NORM", Value: sp.Norm, Comment: "normalization factor"},
		)
	}
	return cards
}

// WriteFits streams the spectrum of res to w as a one dimensional float64
// image with the measurement described in the header
func WriteFits(w io.Writer, res colorimeter.Result, id colorimeter.Identity) error {
	if res.Spectrum == nil || len(res.Spectrum.Samples) == 0 {
		return errors.New("result has no spectrum")
	}
	samples := res.Spectrum.Samples
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{len(samples)})
	defer im.Close()
	err = im.Header().Append(HeaderCards(res, id)...)
	if err != nil {
		return err
	}
	err = im.Write(samples)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
