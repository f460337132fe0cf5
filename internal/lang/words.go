package lang

// Marker vocabularies used by [Detect]. Roman-script sets hold lowercase
// transliterations as produced by speech recognisers; Devanagari sets hold
// words as written.

func set(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

func union(a map[string]struct{}, words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(a)+len(words))
	for w := range a {
		m[w] = struct{}{}
	}
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

var hindiRoman = set(
	"namaste", "kaise", "kaisa", "kaisi", "hai", "ho", "hain",
	"hu", "hoon", "main", "mein", "hum", "woh", "wo", "ve",
	"kya", "kahan", "kab", "kaun", "kyun", "mujhe", "tujhe",
	"humara", "hamara", "mera", "tera", "liye", "sath", "acha", "theek",
	"chahiye", "karta", "raha", "rahi", "rahe", "tha", "thi", "the",
	"samajh", "baat", "bol", "kal", "aaj", "parson", "kyu", "kyoon",
)

// marathiUnique holds words that are almost exclusively Marathi.
var marathiUnique = set(
	"aahe", "aahes", "aahat", "aahet", "kasa", "kashi", "kase",
	"kay", "kuthe", "kadhi", "kontyhi", "kashala", "mala", "tula",
	"tyala", "tila", "majha", "tujha", "mazha", "tuza", "majhi", "tujhi",
	"mazhi", "tuzi", "ani", "pan", "mag", "tar", "khup", "motha",
	"lay", "pahije", "hawa", "havi", "havay", "zalay", "zala", "bhau",
	"dada", "tai", "aaho", "jevlas", "aiklas", "baghitlas", "kelay", "kela",
	"madhe", "madhye", "cha", "chi", "che", "la", "ne", "shi", "kon",
	"adhi", "nantar", "bara", "bari", "amhala", "tumhala", "aamhi", "tumhi",
	"tabiyat", "aajari", "tabiyet", "mi", "mee", "nav", "naav", "mahit",
	"shakal", "shakto", "shakte", "bhun", "mhanje", "mhanun", "pun",
)

// marathiRoman adds words shared with Hindi that lean Marathi in context.
var marathiRoman = union(marathiUnique,
	"namaskar", "tu", "to", "ti", "te", "ji", "ho", "nahi", "dhanyavad",
	"sang", "sanga", "bol", "bola", "de", "dya", "kar", "kara", "baki",
)

var marathiBigrams = []string{
	"aaja re", "kaisi hai", "aisi hai", "basi hai", "kashi aahe", "kasa aahes",
	"kasa aahe", "tujhe tabiyat", "tuzi tabiyat", "tuza tabiyat",
}

var englishOnly = set(
	"hello", "hi", "hey", "bye", "goodbye", "thanks", "thank", "you",
	"yes", "no", "ok", "okay", "please", "sorry", "welcome",
	"good", "morning", "evening", "night", "afternoon",
	"how", "what", "when", "where", "why", "who",
	"the", "is", "are", "am", "was", "were", "be", "been",
	"have", "has", "had", "do", "does", "did", "will", "would",
	"can", "could", "should", "may", "might", "must",
)

var hindiDevanagari = set(
	"है", "हैं", "था", "थी", "थे", "हुआ", "हुए", "हुई", "कहा", "कह", "कर", "दिया",
	"अपना", "अपनी", "अपने", "मुझे", "तुलसी", "क्या", "कहाँ", "कब", "कौन", "क्यूँ",
	"कैसे", "बारे", "बात", "बोल", "सुन", "रहा", "रही", "रहे", "गया", "गई", "गए",
	"नहीं", "मैं", "मेरा", "मेरी", "आप", "आपका", "चाहिए", "बहुत", "अच्छा", "नमस्ते",
)

var marathiDevanagari = set(
	"आहे", "आहेत", "होता", "होती", "होते", "झाला", "झाली", "झाले", "म्हटलं", "सांगितलं",
	"माझा", "माझी", "माझे", "तुझा", "तुझी", "तुझे", "मला", "तुला", "त्याला", "तिला",
	"काय", "कुठे", "कधी", "कसं", "कशी", "असं", "तसं", "आणि", "पण", "तर", "खूप", "लय",
	"आहेस", "नाही", "नमस्कार", "कसा", "कसे", "पाहिजे", "बरं", "छान",
)

// ---- transliteration tables ----

// consonants maps Roman graphemes to Devanagari consonants. Lookups try two
// letters before one.
var consonants = map[string]string{
	"k": "क", "kh": "ख", "g": "ग", "gh": "घ", "c": "क", "q": "क",
	"ch": "च", "j": "ज", "jh": "झ",
	"t": "त", "th": "थ", "d": "द", "dh": "ध",
	"n": "न", "p": "प", "ph": "फ", "f": "फ", "b": "ब", "bh": "भ", "m": "म",
	"y": "य", "r": "र", "l": "ल", "v": "व", "w": "व", "sh": "श", "s": "स", "h": "ह",
	"z": "झ", "x": "क्ष",
}

// matras are the dependent vowel signs written after a consonant. A short
// "a" is inherent and has no sign.
var matras = map[string]string{
	"aa": "ा", "ai": "ै", "au": "ौ", "ee": "ी", "oo": "ू",
	"a": "", "e": "े", "i": "ि", "o": "ो", "u": "ु",
}

// vowels are the independent vowel letters used at the start of a word or
// after another vowel.
var vowels = map[string]string{
	"aa": "आ", "ai": "ऐ", "au": "औ", "ee": "ई", "oo": "ऊ",
	"a": "अ", "e": "ए", "i": "इ", "o": "ओ", "u": "उ",
}

// loanwords are common English and Roman-script words with a fixed
// Devanagari spelling.
var loanwords = map[string]string{
	"otp": "ओटीपी", "form": "फॉर्म", "fee": "फीस", "fees": "फीस",
	"bank": "बैंक", "mobile": "मोबाइल", "number": "नंबर",
	"payment": "पेमेंट", "online": "ऑनलाइन", "status": "स्टेटस",
	"hello": "हेलो", "hi": "हाय", "ok": "ओके", "yes": "यस", "no": "नो",
	"please": "प्लीज", "cancel": "कैंसिल", "submit": "सबमिट",
	"namaste": "नमस्ते", "dhanyavad": "धन्यवाद", "swagat": "स्वागत",
	"tuza": "तुझा", "tujha": "तुझा", "majha": "माझा", "mazha": "माझा",
	"mazhi": "माझी", "tujhi": "तुझी", "nav": "नाव", "naav": "नाव",
	"tabiyat": "तब्येत", "tabiyet": "तब्येत", "aahe": "आहे", "aahes": "आहेस",
	"kashi": "कशी", "kasa": "कसा", "kase": "कसे", "tuzi": "तुझी", "tuji": "तुझी",
}

// marathiCorrection fixes common recogniser mistakes on Marathi speech. Keys
// are matched case-insensitively on word boundaries, in the order listed.
var marathiCorrections = []struct{ wrong, right string }{
	{"puja", "tuza"},
	{"pujha", "tujha"},
	{"aisi", "kashi"},
	{"kaisi", "kashi"},
	{"tujhe", "tuzi"},
	{"hai", "aahe"},
	{"song", ""},
	{"aaja re", "aajari"},
	{"aajare", "aajari"},
}

// englishRespellings make Indian words and initialisms pronounceable by an
// English voice.
var englishRespellings = []struct{ word, say string }{
	{"namaste", "Nah-mas-tay"},
	{"dhanyavad", "Dhahn-yah-vahd"},
	{"aadhar", "Ah-dhar"},
	{"namaskar", "Nah-mas-kar"},
	{"api", "A P I"},
	{"ui", "U I"},
	{"url", "U R L"},
	{"ai", "artificial intelligence"},
	{"ml", "machine learning"},
}

var digitWords = map[rune]string{
	'0': "शून्य", '1': "एक", '2': "दो", '3': "तीन", '4': "चार",
	'5': "पांच", '6': "छह", '7': "सात", '8': "आठ", '9': "नौ",
}
