package repair

var ReplaceVerified = replaceVerified
