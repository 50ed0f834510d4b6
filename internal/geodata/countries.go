package geodata

// africanCountries maps ISO 3166-1 alpha-2 codes to the display names used in
// the city table.
var africanCountries = map[string]string{
	"DZ": "Algeria",
	"AO": "Angola",
	"BJ": "Benin",
	"BW": "Botswana",
	"BF": "Burkina Faso",
	"BI": "Burundi",
	"CM": "Cameroon",
	"CV": "Cape Verde",
	"CF": "Central African Republic",
	"TD": "Chad",
	"KM": "Comoros",
	"CG": "Congo (Brazzaville)",
	"CD": "Congo (Kinshasa)",
	"DJ": "Djibouti",
	"EG": "Egypt",
	"GQ": "Equatorial Guinea",
	"ER": "Eritrea",
	"SZ": "Eswatini",
	"ET": "Ethiopia",
	"GA": "Gabon",
	"GM": "Gambia",
	"GH": "Ghana",
	"GN": "Guinea",
	"GW": "Guinea-Bissau",
	"CI": "Ivory Coast",
	"KE": "Kenya",
	"LS": "Lesotho",
	"LR": "Liberia",
	"LY": "Libya",
	"MG": "Madagascar",
	"MW": "Malawi",
	"ML": "Mali",
	"MR": "Mauritania",
	"MU": "Mauritius",
	"MA": "Morocco",
	"MZ": "Mozambique",
	"NA": "Namibia",
	"NE": "Niger",
	"NG": "Nigeria",
	"RW": "Rwanda",
	"ST": "São Tomé and Príncipe",
	"SN": "Senegal",
	"SC": "Seychelles",
	"SL": "Sierra Leone",
	"SO": "Somalia",
	"ZA": "South Africa",
	"SS": "South Sudan",
	"SD": "Sudan",
	"TZ": "Tanzania",
	"TG": "Togo",
	"TN": "Tunisia",
	"UG": "Uganda",
	"EH": "Western Sahara",
	"ZM": "Zambia",
	"ZW": "Zimbabwe",
}

// CountryName returns the display name for an African country code.
func CountryName(code string) (string, bool) {
	name, ok := africanCountries[code]
	return name, ok
}
